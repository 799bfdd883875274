package handler

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/archon72/ledger/internal/checkpoint"
	"github.com/archon72/ledger/pkg/integrity"
	"github.com/archon72/ledger/pkg/merkle"
)

// CheckpointHandler exposes published anchors and proof verification.
type CheckpointHandler struct {
	builder   *checkpoint.Builder
	signerPub ed25519.PublicKey // nil = anchors are unsigned
	logger    *zap.Logger
}

// NewCheckpointHandler creates a new CheckpointHandler.
func NewCheckpointHandler(b *checkpoint.Builder, logger *zap.Logger) *CheckpointHandler {
	return &CheckpointHandler{builder: b, logger: logger}
}

// SetSignerKey publishes the anchor verification key and enables signature
// checks on served anchors.
func (h *CheckpointHandler) SetSignerKey(pub ed25519.PublicKey) { h.signerPub = pub }

// Register mounts the checkpoint routes on the given router group.
func (h *CheckpointHandler) Register(rg *gin.RouterGroup) {
	cp := rg.Group("/checkpoints")
	{
		cp.GET("", h.List)
		cp.GET("/latest", h.Latest)
		cp.GET("/signer", h.Signer)
		cp.GET("/:number", h.Get)
		cp.POST("/verify-proof", h.VerifyProof)
	}
}

// List handles GET /checkpoints?offset=&limit=.
func (h *CheckpointHandler) List(c *gin.Context) {
	limit, ok := intParam(c, "limit", 50)
	if !ok {
		return
	}
	offset, ok := intParam(c, "offset", 0)
	if !ok {
		return
	}
	if limit == 0 || limit > 1000 {
		limit = 50
	}
	anchors, total, err := h.builder.Anchors().List(c.Request.Context(), offset, limit)
	if err != nil {
		respondError(c, h.logger, "list checkpoints", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"checkpoints": anchors,
		"total_count": total,
		"offset":      offset,
		"limit":       limit,
		"has_more":    offset+len(anchors) < total,
	})
}

// Latest handles GET /checkpoints/latest: the fallback anchor observers
// verify against when the live service is unavailable.
func (h *CheckpointHandler) Latest(c *gin.Context) {
	a, ok, err := h.builder.Anchors().Latest(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "latest checkpoint", err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no checkpoint has been published"})
		return
	}
	h.respondAnchor(c, a)
}

// Get handles GET /checkpoints/:number.
func (h *CheckpointHandler) Get(c *gin.Context) {
	n, err := strconv.ParseUint(c.Param("number"), 10, 64)
	if err != nil || n == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "number must be a positive integer"})
		return
	}
	a, err := h.builder.Anchors().Get(c.Request.Context(), n)
	if err != nil {
		respondError(c, h.logger, "get checkpoint", err)
		return
	}
	h.respondAnchor(c, a)
}

// Signer handles GET /checkpoints/signer: the anchor verification key.
func (h *CheckpointHandler) Signer(c *gin.Context) {
	if h.signerPub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "checkpoints are not signed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alg": "EdDSA", "public_key": hex.EncodeToString(h.signerPub)})
}

func (h *CheckpointHandler) respondAnchor(c *gin.Context, a checkpoint.Anchor) {
	resp := gin.H{"checkpoint": a}
	if h.signerPub != nil && a.Signature != "" {
		err := checkpoint.VerifyAnchorSignature(a, h.signerPub)
		resp["signature_valid"] = err == nil
		if err != nil {
			h.logger.Error("stored checkpoint signature invalid", zap.Uint64("number", a.Number), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, resp)
}

// VerifyProof handles POST /checkpoints/verify-proof. The body is a
// merkle.Proof; the response reports whether it matches the published root.
func (h *CheckpointHandler) VerifyProof(c *gin.Context) {
	var p merkle.Proof
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.builder.VerifyProof(c.Request.Context(), p)
	var invalid *integrity.MerkleProofInvalidError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"valid": true, "event_sequence": p.EventSequence, "checkpoint_sequence": p.CheckpointSequence})
	case errors.As(err, &invalid):
		c.JSON(http.StatusOK, gin.H{"valid": false, "event_sequence": p.EventSequence, "error": invalid.Error(), "detail": invalid})
	default:
		respondError(c, h.logger, "verify merkle proof", err)
	}
}
