package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/archon72/ledger/internal/checkpoint"
	"github.com/archon72/ledger/internal/ledger"
	"github.com/archon72/ledger/pkg/canonical"
	"github.com/archon72/ledger/pkg/event"
	"github.com/archon72/ledger/pkg/integrity"
	"github.com/archon72/ledger/pkg/verifyspec"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, checkpoint.ErrAnchorNotFound),
		errors.Is(err, integrity.ErrCheckpointNotFound),
		errors.Is(err, verifyspec.ErrUnknownVersion):
		return http.StatusNotFound
	case errors.Is(err, event.ErrInvalidEvent),
		errors.Is(err, event.ErrInvalidType),
		errors.Is(err, event.ErrFrozen),
		errors.Is(err, canonical.ErrUnknownAlgorithm),
		errors.Is(err, canonical.ErrMalformedDigest),
		errors.Is(err, canonical.ErrInexactNumber),
		errors.Is(err, ledger.ErrInvalidRange),
		errors.Is(err, checkpoint.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrHeadMoved),
		errors.Is(err, ledger.ErrAuthorityTimestampSet),
		errors.Is(err, checkpoint.ErrNotContiguous),
		errors.Is(err, checkpoint.ErrAnchorConflict),
		errors.Is(err, integrity.ErrSequenceGap),
		errors.Is(err, integrity.ErrGapResolutionRequired):
		return http.StatusConflict
	case errors.Is(err, integrity.ErrMerkleProofInvalid),
		errors.Is(err, integrity.ErrContentTampered),
		errors.Is(err, integrity.ErrChainBroken):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// respondError writes err with its mapped status. Server errors are logged
// and their text withheld; integrity errors carry their structured detail.
func respondError(c *gin.Context, logger *zap.Logger, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(msg, zap.Error(err))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	body := gin.H{"error": err.Error()}
	if d := integrityDetail(err); d != nil {
		body["detail"] = d
	}
	c.JSON(status, body)
}

func integrityDetail(err error) any {
	var (
		gap      *integrity.SequenceGapDetectedError
		resolve  *integrity.SequenceGapResolutionRequiredError
		proof    *integrity.MerkleProofInvalidError
		notFound *integrity.CheckpointNotFoundError
	)
	switch {
	case errors.As(err, &gap):
		return gap
	case errors.As(err, &resolve):
		return resolve
	case errors.As(err, &proof):
		return proof
	case errors.As(err, &notFound):
		return notFound
	}
	return nil
}
