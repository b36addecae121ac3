package ippsrv

import (
	"errors"
	"fmt"

	"github.com/OpenPrinting/goipp"
)

// ippError carries an IPP status code and an optional status-message back to
// the operation dispatcher. Handlers return it wrapped or bare; anything
// else maps to server-error-internal-error.
type ippError struct {
	status  goipp.Status
	message string
}

func (e *ippError) Error() string {
	if e.message == "" {
		return e.status.String()
	}
	return fmt.Sprintf("%s: %s", e.status, e.message)
}

func ippErrorf(status goipp.Status, format string, args ...any) error {
	return &ippError{status: status, message: fmt.Sprintf(format, args...)}
}

// statusOf extracts the IPP status for err, defaulting to
// server-error-internal-error.
func statusOf(err error) (goipp.Status, string) {
	var ie *ippError
	if errors.As(err, &ie) {
		return ie.status, ie.message
	}
	return goipp.StatusErrorInternal, err.Error()
}

// Status codes from PWG 5100.18 that predate the goipp status table.
const (
	statusErrorNotFetchable goipp.Status = 0x0420 // client-error-not-fetchable
	statusOkEventsComplete  goipp.Status = 0x0007 // successful-ok-events-complete
)

var (
	errPrinterNotFound      = &ippError{status: goipp.StatusErrorNotFound, message: "printer not found"}
	errJobNotFound          = &ippError{status: goipp.StatusErrorNotFound, message: "job not found"}
	errSubscriptionNotFound = &ippError{status: goipp.StatusErrorNotFound, message: "subscription not found"}
	errResourceNotFound     = &ippError{status: goipp.StatusErrorNotFound, message: "resource not found"}
	errDeviceNotFound       = &ippError{status: goipp.StatusErrorNotFound, message: "output device not found"}
	errNotPossible          = &ippError{status: goipp.StatusErrorNotPossible, message: "not possible in the current state"}
	errNotAuthorized        = &ippError{status: goipp.StatusErrorNotAuthorized, message: "not authorized"}
	errNotFetchable         = &ippError{status: statusErrorNotFetchable, message: "job not fetchable"}
)
