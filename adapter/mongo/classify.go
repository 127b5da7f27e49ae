package mongo

import (
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/trickstertwo/xrelay"
)

// codeChangeStreamNotSupported is returned by servers that cannot open $changeStream.
const codeChangeStreamNotSupported = 40573

// Classify lifts driver errors into shapes xrelay.IsTransient understands:
// server errors carry their numeric code, network failures and transient
// transaction labels carry a recognizable message.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var coded *xrelay.CodedError
	if errors.As(err, &coded) {
		return err
	}

	// the server's label outranks the code: a write conflict inside a
	// transaction is permanent on its own but the transaction can be retried
	var labeled interface{ HasErrorLabel(string) bool }
	if errors.As(err, &labeled) && labeled.HasErrorLabel("TransientTransactionError") {
		return fmt.Errorf("transient transaction error: %w", err)
	}

	var cmd mongo.CommandError
	if errors.As(err, &cmd) && cmd.Code != 0 {
		return &xrelay.CodedError{Code: int(cmd.Code), Err: err}
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		if we.WriteConcernError != nil && we.WriteConcernError.Code != 0 {
			return &xrelay.CodedError{Code: we.WriteConcernError.Code, Err: err}
		}
		if len(we.WriteErrors) > 0 {
			return &xrelay.CodedError{Code: we.WriteErrors[0].Code, Err: err}
		}
	}
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		if bwe.WriteConcernError != nil && bwe.WriteConcernError.Code != 0 {
			return &xrelay.CodedError{Code: bwe.WriteConcernError.Code, Err: err}
		}
		if len(bwe.WriteErrors) > 0 {
			return &xrelay.CodedError{Code: bwe.WriteErrors[0].Code, Err: err}
		}
	}

	switch {
	case mongo.IsNetworkError(err):
		return fmt.Errorf("network error: %w", err)
	case mongo.IsTimeout(err):
		return fmt.Errorf("timeout: %w", err)
	}
	return err
}

// IsTransient classifies a driver error.
func IsTransient(err error) bool { return xrelay.IsTransient(Classify(err)) }

// streamingUnsupported reports whether a Watch error means the deployment
// cannot serve change streams at all.
func streamingUnsupported(err error) bool {
	var cmd mongo.CommandError
	if errors.As(err, &cmd) && cmd.Code == codeChangeStreamNotSupported {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "only supported on replica sets")
}
