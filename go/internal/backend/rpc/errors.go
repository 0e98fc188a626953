package rpc

import (
	"errors"
	"fmt"

	"connectrpc.com/connect"

	"github.com/mcdev12/spinwheel/go/internal/backend"
)

// reasonHeader carries which backend sentinel a connect error stands for.
const reasonHeader = "Spinwheel-Reason"

var reasons = []struct {
	reason string
	code   connect.Code
	err    error
}{
	{"screen_not_found", connect.CodeNotFound, backend.ErrScreenNotFound},
	{"entry_not_found", connect.CodeNotFound, backend.ErrEntryNotFound},
	{"offer_not_found", connect.CodeNotFound, backend.ErrOfferNotFound},
	{"offer_expired", connect.CodeFailedPrecondition, backend.ErrOfferExpired},
	{"offer_resolved", connect.CodeFailedPrecondition, backend.ErrOfferResolved},
}

func toConnectError(err error) error {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			cerr := connect.NewError(r.code, err)
			cerr.Meta().Set(reasonHeader, r.reason)
			return cerr
		}
	}
	return connect.NewError(connect.CodeInternal, err)
}

func fromConnectError(err error) error {
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return err
	}
	reason := cerr.Meta().Get(reasonHeader)
	for _, r := range reasons {
		if r.reason == reason {
			return fmt.Errorf("%w: %s", r.err, cerr.Message())
		}
	}
	return err
}
