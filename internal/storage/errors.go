package storage

import (
	"github.com/pkg/errors"

	"github.com/safesats/safesats/internal/domain"
)

var (
	errNegative      = errors.Wrap(domain.ErrOperationFailed, "commit leaves a negative balance")
	errOverReserved  = errors.Wrap(domain.ErrOperationFailed, "commit reserves more than the balance")
	errForeignRecord = errors.Wrap(domain.ErrPermissionDenied, "commit references another user")
)
