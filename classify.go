package xrelay

import (
	"errors"
	"strings"
)

// Store error codes that are safe to retry.
const (
	CodeHostUnreachable                 = 6
	CodeHostNotFound                    = 7
	CodeStaleShardVersion               = 63
	CodeNetworkTimeout                  = 89
	CodeShutdownInProgress              = 91
	CodeFailedToSatisfyReadPreference   = 133
	CodeStaleEpoch                      = 150
	CodePrimarySteppedDown              = 189
	CodeRetryChangeStream               = 234
	CodeExceededTimeLimit               = 262
	CodeSocketException                 = 9001
	CodeNotWritablePrimary              = 10107
	CodeInterruptedAtShutdown           = 11600
	CodeInterruptedDueToReplStateChange = 11602
	CodeStaleConfig                     = 13388
	CodeNotPrimaryNoSecondaryOk         = 13435
	CodeNotPrimaryOrSecondary           = 13436
)

var transientCodes = map[int]struct{}{
	CodeHostUnreachable:                 {},
	CodeHostNotFound:                    {},
	CodeStaleShardVersion:               {},
	CodeNetworkTimeout:                  {},
	CodeShutdownInProgress:              {},
	CodeFailedToSatisfyReadPreference:   {},
	CodeStaleEpoch:                      {},
	CodePrimarySteppedDown:              {},
	CodeRetryChangeStream:               {},
	CodeExceededTimeLimit:               {},
	CodeSocketException:                 {},
	CodeNotWritablePrimary:              {},
	CodeInterruptedAtShutdown:           {},
	CodeInterruptedDueToReplStateChange: {},
	CodeStaleConfig:                     {},
	CodeNotPrimaryNoSecondaryOk:         {},
	CodeNotPrimaryOrSecondary:           {},
}

var transientPhrases = []string{
	"network error",
	"connection reset",
	"timeout",
	"transient",
}

type codeCarrier interface {
	ErrorCode() int
}

// IsTransient reports whether a store error is worth retrying.
//
// A coded error is judged by its code alone. Uncoded errors fall back to a
// phrase match on the lower-cased message. Everything else is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var cc codeCarrier
	if errors.As(err, &cc) {
		return IsTransientCode(cc.ErrorCode())
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientCode reports whether code belongs to the known-transient set.
func IsTransientCode(code int) bool {
	_, ok := transientCodes[code]
	return ok
}
