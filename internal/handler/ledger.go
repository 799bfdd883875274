package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/archon72/ledger/internal/checkpoint"
	"github.com/archon72/ledger/internal/ledger"
	"github.com/archon72/ledger/internal/monitor"
	"github.com/archon72/ledger/internal/witness"
	"github.com/archon72/ledger/pkg/canonical"
	"github.com/archon72/ledger/pkg/event"
	"github.com/archon72/ledger/pkg/integrity"
	"github.com/archon72/ledger/pkg/merkle"
	"github.com/archon72/ledger/pkg/verifyspec"
)

// LedgerHandler exposes the event, chain and verification endpoints.
type LedgerHandler struct {
	ledger      *ledger.Ledger
	checkpoints *checkpoint.Builder   // nil = no Merkle proofs
	keys        witness.KeyResolver   // nil = signatures not checked
	status      func() monitor.Status // nil = no integrity status
	specs       *verifyspec.Registry
	logger      *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(l *ledger.Ledger, specs *verifyspec.Registry, logger *zap.Logger) *LedgerHandler {
	if specs == nil {
		specs = verifyspec.Published()
	}
	return &LedgerHandler{ledger: l, specs: specs, logger: logger}
}

// SetCheckpoints enables Merkle proofs on event responses.
func (h *LedgerHandler) SetCheckpoints(b *checkpoint.Builder) { h.checkpoints = b }

// SetKeyResolver enables signature checks in event verification.
func (h *LedgerHandler) SetKeyResolver(k witness.KeyResolver) { h.keys = k }

// SetStatusSource attaches the integrity monitor's status to GET /ledger.
func (h *LedgerHandler) SetStatusSource(fn func() monitor.Status) { h.status = fn }

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/ledger", h.Overview)
	rg.GET("/genesis", h.Genesis)
	rg.GET("/verification-spec", h.Spec)
	rg.GET("/verification-spec/:version", h.Spec)

	events := rg.Group("/events")
	{
		events.POST("", h.Append)
		events.GET("", h.Query)
		events.GET("/:seq", h.GetEvent)
		events.GET("/:seq/verify", h.VerifyEvent)
		events.GET("/:seq/merkle-proof", h.MerkleProof)
	}

	chain := rg.Group("/chain")
	{
		chain.GET("/verify", h.VerifyChain)
		chain.GET("/proof", h.ChainProof)
	}
}

// Overview handles GET /ledger: returns the head snapshot.
func (h *LedgerHandler) Overview(c *gin.Context) {
	head := h.ledger.Head()
	alg := h.ledger.Algorithm()
	resp := gin.H{
		"head_sequence":    head.Sequence,
		"head_hash":        head.Hash,
		"hash_algorithm":   alg.Name(),
		"hash_alg_version": alg.Version(),
		"witness_id":       h.ledger.WitnessID(),
	}
	if h.status != nil {
		resp["integrity"] = h.status()
	}
	c.JSON(http.StatusOK, resp)
}

// Genesis handles GET /genesis: the constant every chain starts from.
func (h *LedgerHandler) Genesis(c *gin.Context) {
	alg := h.ledger.Algorithm()
	doc := h.specs.Latest()
	c.JSON(http.StatusOK, gin.H{
		"genesis_hash":     canonical.Genesis(alg),
		"meaning":          doc.GenesisMeaning,
		"hash_algorithm":   alg.Name(),
		"hash_alg_version": alg.Version(),
	})
}

// Spec handles GET /verification-spec[/:version].
func (h *LedgerHandler) Spec(c *gin.Context) {
	doc := h.specs.Latest()
	if v := c.Param("version"); v != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(v, "v"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "version must be an integer"})
			return
		}
		if doc, err = h.specs.Get(n); err != nil {
			respondError(c, h.logger, "get verification spec", err)
			return
		}
	}
	fp, err := doc.Fingerprint()
	if err != nil {
		respondError(c, h.logger, "fingerprint verification spec", err)
		return
	}
	c.Header("ETag", `"`+fp.Hex()+`"`)
	c.JSON(http.StatusOK, gin.H{"specification": doc, "fingerprint": fp.String(), "versions": h.specs.Versions()})
}

// Append handles POST /events: records a new event.
func (h *LedgerHandler) Append(c *gin.Context) {
	var d event.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev, err := h.ledger.Append(c.Request.Context(), d)
	if err != nil {
		respondError(c, h.logger, "append event", err)
		return
	}
	c.Header("Location", "/api/v1/events/"+strconv.FormatUint(ev.Sequence, 10))
	c.JSON(http.StatusCreated, ev)
}

// Query handles GET /events: filtered, paginated events.
//
// Query params: event_type and branch (repeatable or comma-separated), since,
// until (RFC 3339), as_of_sequence or as_of_timestamp, offset, limit,
// include_merkle_proof.
func (h *LedgerHandler) Query(c *gin.Context) {
	ctx := c.Request.Context()

	f := ledger.Filter{
		Types:    multi(c, "event_type"),
		Branches: multi(c, "branch"),
	}
	var err error
	if f.Since, err = timeParam(c, "since"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if f.Until, err = timeParam(c, "until"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var ok bool
	if f.Offset, ok = intParam(c, "offset", 0); !ok {
		return
	}
	if f.Limit, ok = intParam(c, "limit", ledger.DefaultPageSize); !ok {
		return
	}

	asOf := c.Query("as_of_sequence") != "" || c.Query("as_of_timestamp") != ""
	switch {
	case c.Query("as_of_sequence") != "" && c.Query("as_of_timestamp") != "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "as_of_sequence and as_of_timestamp are mutually exclusive"})
		return
	case c.Query("as_of_sequence") != "":
		n, err := strconv.ParseUint(c.Query("as_of_sequence"), 10, 64)
		if err != nil || n == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "as_of_sequence must be a positive integer"})
			return
		}
		f.AsOfSequence = n
	case c.Query("as_of_timestamp") != "":
		t, err := canonical.ParseTime(c.Query("as_of_timestamp"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		n, err := h.ledger.SequenceAt(ctx, t)
		if err != nil {
			respondError(c, h.logger, "resolve as_of_timestamp", err)
			return
		}
		if n == 0 {
			c.JSON(http.StatusOK, gin.H{
				"events": []event.Event{}, "total_count": 0, "offset": f.Offset, "limit": f.Limit,
				"has_more": false, "as_of_sequence": 0,
			})
			return
		}
		f.AsOfSequence = n
	}

	page, err := h.ledger.Query(ctx, f)
	if err != nil {
		respondError(c, h.logger, "query events", err)
		return
	}

	resp := gin.H{
		"events":      page.Events,
		"total_count": page.TotalCount,
		"offset":      page.Offset,
		"limit":       page.Limit,
		"has_more":    page.HasMore,
	}
	if asOf {
		resp["as_of_sequence"] = f.AsOfSequence
		if f.AsOfSequence <= h.ledger.Head().Sequence {
			proof, err := h.ledger.ChainProof(ctx, f.AsOfSequence, 0)
			if err != nil {
				respondError(c, h.logger, "build chain proof", err)
				return
			}
			resp["chain_proof"] = proof
		}
	}
	if c.Query("include_merkle_proof") == "true" && h.checkpoints != nil {
		proofs := make(map[string]*merkle.Proof, len(page.Events))
		for _, ev := range page.Events {
			p, _, err := h.checkpoints.Prove(ctx, ev.Sequence)
			key := strconv.FormatUint(ev.Sequence, 10)
			switch {
			case err == nil:
				proofs[key] = &p
			case errors.Is(err, integrity.ErrCheckpointNotFound):
				proofs[key] = nil
			default:
				respondError(c, h.logger, "build merkle proof", err)
				return
			}
		}
		resp["merkle_proofs"] = proofs
	}
	c.JSON(http.StatusOK, resp)
}

// GetEvent handles GET /events/:seq.
func (h *LedgerHandler) GetEvent(c *gin.Context) {
	seq, ok := seqParam(c)
	if !ok {
		return
	}
	ev, err := h.ledger.Get(c.Request.Context(), seq)
	if err != nil {
		respondError(c, h.logger, "get event", err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// VerifyEvent handles GET /events/:seq/verify: content hash, chain link and,
// when keys are configured, signatures.
func (h *LedgerHandler) VerifyEvent(c *gin.Context) {
	seq, ok := seqParam(c)
	if !ok {
		return
	}
	res, ev, err := h.ledger.VerifyEvent(c.Request.Context(), seq)
	if err != nil {
		respondError(c, h.logger, "verify event", err)
		return
	}
	valid := res.Valid
	resp := gin.H{
		"sequence":           seq,
		"content_hash_valid": res.ContentHashValid,
		"chain_link_valid":   res.ChainLinkValid,
		"result":             res,
	}
	if anomalies := integrity.AnomaliesFor(res); len(anomalies) > 0 {
		resp["anomalies"] = anomalies
	}
	if h.keys != nil {
		sig := witness.VerifySignatures(ev, h.keys)
		valid = valid && sig.Valid()
		resp["signatures"] = sig
	}
	resp["valid"] = valid
	c.JSON(http.StatusOK, resp)
}

// MerkleProof handles GET /events/:seq/merkle-proof.
func (h *LedgerHandler) MerkleProof(c *gin.Context) {
	seq, ok := seqParam(c)
	if !ok {
		return
	}
	if h.checkpoints == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "checkpoints are not enabled"})
		return
	}
	p, a, err := h.checkpoints.Prove(c.Request.Context(), seq)
	if err != nil {
		respondError(c, h.logger, "build merkle proof", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proof": p, "checkpoint": a})
}

// VerifyChain handles GET /chain/verify?from=&to=: a full integrity report.
func (h *LedgerHandler) VerifyChain(c *gin.Context) {
	from, to, ok := rangeParams(c)
	if !ok {
		return
	}
	report, err := h.ledger.Verify(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, h.logger, "verify chain", err)
		return
	}
	if !report.Valid {
		h.logger.Error("chain verification found anomalies",
			zap.Uint64("from", report.FromSequence),
			zap.Uint64("to", report.ToSequence),
			zap.Int("anomalies", len(report.Anomalies)),
		)
	}
	c.JSON(http.StatusOK, report)
}

// ChainProof handles GET /chain/proof?from=&to=.
func (h *LedgerHandler) ChainProof(c *gin.Context) {
	from, to, ok := rangeParams(c)
	if !ok {
		return
	}
	if from == 0 {
		from = 1
	}
	p, err := h.ledger.ChainProof(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, h.logger, "build chain proof", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func seqParam(c *gin.Context) (uint64, bool) {
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil || seq == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sequence must be a positive integer"})
		return 0, false
	}
	return seq, true
}

func rangeParams(c *gin.Context) (from, to uint64, ok bool) {
	parse := func(name string) (uint64, bool) {
		s := c.Query(name)
		if s == "" {
			return 0, true
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a non-negative integer"})
			return 0, false
		}
		return n, true
	}
	if from, ok = parse("from"); !ok {
		return 0, 0, false
	}
	if to, ok = parse("to"); !ok {
		return 0, 0, false
	}
	return from, to, true
}

// intParam parses a non-negative integer query parameter, writing a 400 and
// returning false when it is malformed. An absent parameter yields def.
func intParam(c *gin.Context, name string, def int) (int, bool) {
	s := c.Query(name)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

// multi collects a repeatable, comma-separated query parameter.
func multi(c *gin.Context, name string) []string {
	var out []string
	for _, v := range c.QueryArray(name) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func timeParam(c *gin.Context, name string) (*time.Time, error) {
	s := c.Query(name)
	if s == "" {
		return nil, nil
	}
	t, err := canonical.ParseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
