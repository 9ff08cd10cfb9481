package model

// Result codes share one flat namespace across all diagnostics.
const (
	CodeSuccess = 0
	CodeFailure = 1

	CodeNotApplicable     = -1
	CodeCancelled         = -2
	CodeInternalTestError = -3
	CodeCancelledNotIdle  = -4

	CodeHDDStatusMissing        = -100
	CodeHDMINoDisplay           = -101
	CodeHDMINoHDCP              = -102
	CodeMoCANoClients           = -103
	CodeMoCADisabled            = -104
	CodeSICacheMissing          = -105
	CodeTunerNoLock             = -106
	CodeAVNoSignal              = -107
	CodeIRNotDetected           = -108
	CodeCMNoSignal              = -109
	CodeTunerBusy               = -111
	CodeRF4CENoResponse         = -112
	CodeWiFiNoConnection        = -113
	CodeAVURLNotReachable       = -114
	CodeNonRF4CEInput           = -117
	CodeRF4CECtrlmNoResponse    = -120
	CodeHDDMarginalAttributes   = -121
	CodeNoGatewayConnection     = -123
	CodeNoOperatorWANConnection = -124
	CodeNoPublicWANConnection   = -125
	CodeNoWANConnection         = -126
	CodeHDDDeviceNodeNotFound   = -127
	CodeNoEthGatewayFound       = -128
	CodeNoMWGatewayFound        = -129
	CodeNoEthGatewayConnection  = -130
	CodeNoMWGatewayConnection   = -131

	// CodeNeverRun marks a diagnostic that has no result in the bank.
	CodeNeverRun = -200

	// Codes at or below FailureClassThreshold are failures, not warnings.
	FailureClassThreshold = -211

	CodeBluetoothInterfaceFailure  = -211
	CodeFileWriteFailure           = -212
	CodeFileReadFailure            = -213
	CodeEMMCTypeAMaxLifeExceeded   = -214
	CodeEMMCTypeBMaxLifeExceeded   = -215
	CodeEMMCTypeAZeroLifetime      = -216
	CodeEMMCTypeBZeroLifetime      = -217
	CodeMCardAuthKeyRequestFailure = -218
	CodeMCardHostIDRetrieveFailure = -219
	CodeMCardCertAvailability      = -220
	CodeRF4CEChipDisconnected      = -221
	CodeSDCardTSBStatusFailure     = -222
	CodeSDCardZeroMaxMinutes       = -223
)

// IsFailure classifies a raw code as pass/fail. Other non-zero codes are warnings.
func IsFailure(code int) bool {
	return code == CodeFailure || code <= FailureClassThreshold
}

// Presentation classes shown to clients.
const (
	PresentationPassed        = "PASSED"
	PresentationFailed        = "FAILED"
	PresentationWarning       = "WARNING"
	PresentationNotApplicable = "NOT_APPLICABLE"
	PresentationCancelled     = "CANCELLED"
	PresentationError         = "ERROR"
)

// Presentation returns the display class of a code.
func Presentation(code int) string {
	switch {
	case code == CodeSuccess:
		return PresentationPassed
	case IsFailure(code):
		return PresentationFailed
	case code == CodeNotApplicable:
		return PresentationNotApplicable
	case code == CodeCancelled || code == CodeCancelledNotIdle:
		return PresentationCancelled
	case code == CodeInternalTestError:
		return PresentationError
	}
	return PresentationWarning
}
