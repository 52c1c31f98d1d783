package controller

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"airledger/internal/modules/airquality/ledger"
	"airledger/internal/modules/airquality/service"
)

const maxLastN = 1000

func parseCountQuery(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("invalid '" + key + "' (expected integer)")
	}
	if n < 0 {
		return 0, errors.New("'" + key + "' must be >= 0")
	}
	if n > maxLastN {
		return 0, errors.New("'" + key + "' must be <= " + strconv.Itoa(maxLastN))
	}
	return n, nil
}

func parseIndex(r *http.Request) (uint64, error) {
	s := r.PathValue("index")
	index, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.New("invalid index (expected non-negative integer)")
	}
	return index, nil
}

// statusFor maps retrieval errors onto HTTP status codes. Out of range is the
// caller's fault; everything else means the ledger could not answer right now.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrIndexOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, service.ErrPartialReadFailure),
		errors.Is(err, ledger.ErrReadUnavailable),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
