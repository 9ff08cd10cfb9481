package model

// failureReasons holds the diagnostic specific text for the generic failure code.
var failureReasons = map[string]string{
	"hdd_status":           "Disk_Health_Status_Error",
	"flash_status":         "Flash_Memory_Error",
	"sdcard_status":        "SD_Card_Error",
	"dram_status":          "DRAM_Error",
	"hdmiout_status":       "HDMI_Output_Error",
	"mcard_status":         "CableCard_Certificate_Invalid",
	"rf4ce_status":         "RF_Remote_Interface_Error",
	"ir_status":            "IR_Remote_Interface_Error",
	"moca_status":          "MoCA_Interface_Error",
	"avdecoder_qam_status": "AV_Decoder_Error",
	"tuner_status":         "QAM_Tuner_Error",
	"modem_status":         "Cable_Modem_Error",
	"bluetooth_status":     "Bluetooth_Interface_Error",
	"wifi_status":          "WiFi_Interface_Error",
	"wan_status":           "WAN_Connection_Error",
}

var codeReasons = map[int]string{
	CodeCancelledNotIdle:           "Not_Standby",
	CodeHDDStatusMissing:           "HDD_Status_Missing",
	CodeHDMINoDisplay:              "HDMI_No_Display",
	CodeHDMINoHDCP:                 "HDMI_No_HDCP",
	CodeMoCANoClients:              "MoCA_No_Clients",
	CodeMoCADisabled:               "MoCA_Disabled",
	CodeSICacheMissing:             "SI_Cache_Missing",
	CodeTunerNoLock:                "Tuner_No_Lock",
	CodeAVNoSignal:                 "AV_No_Signal",
	CodeIRNotDetected:              "IR_Not_Detected",
	CodeCMNoSignal:                 "Cable_Modem_No_Signal",
	CodeTunerBusy:                  "Tuner_Busy",
	CodeRF4CENoResponse:            "RF4CE_No_Response",
	CodeWiFiNoConnection:           "WiFi_No_Connection",
	CodeAVURLNotReachable:          "AV_URL_Not_Reachable",
	CodeNonRF4CEInput:              "Non_RF4CE_Input",
	CodeRF4CECtrlmNoResponse:       "RF4CE_Controller_No_Response",
	CodeHDDMarginalAttributes:      "HDD_Marginal_Attributes_Found",
	CodeNoGatewayConnection:        "No_Gateway_Connection",
	CodeNoOperatorWANConnection:    "No_Operator_WAN_Connection",
	CodeNoPublicWANConnection:      "No_Public_WAN_Connection",
	CodeNoWANConnection:            "No_WAN_Connection",
	CodeHDDDeviceNodeNotFound:      "HDD_Device_Node_Not_Found",
	CodeNoEthGatewayFound:          "No_Ethernet_Gateway_Found",
	CodeNoMWGatewayFound:           "No_MoCA_WiFi_Gateway_Found",
	CodeNoEthGatewayConnection:     "No_Ethernet_Gateway_Connection",
	CodeNoMWGatewayConnection:      "No_MoCA_WiFi_Gateway_Connection",
	CodeBluetoothInterfaceFailure:  "Bluetooth_Interface_Failure",
	CodeFileWriteFailure:           "File_Write_Operation_Failure",
	CodeFileReadFailure:            "File_Read_Operation_Failure",
	CodeEMMCTypeAMaxLifeExceeded:   "eMMC_TypeA_Max_Life_Exceeded",
	CodeEMMCTypeBMaxLifeExceeded:   "eMMC_TypeB_Max_Life_Exceeded",
	CodeEMMCTypeAZeroLifetime:      "eMMC_TypeA_Zero_Lifetime",
	CodeEMMCTypeBZeroLifetime:      "eMMC_TypeB_Zero_Lifetime",
	CodeMCardAuthKeyRequestFailure: "CableCard_Auth_Key_Request_Failure",
	CodeMCardHostIDRetrieveFailure: "CableCard_HostID_Retrieve_Failure",
	CodeMCardCertAvailability:      "CableCard_Cert_Availability_Failure",
	CodeRF4CEChipDisconnected:      "RF4CE_Chip_Disconnected",
	CodeSDCardTSBStatusFailure:     "SD_Card_TSB_Status_Failure",
	CodeSDCardZeroMaxMinutes:       "SD_Card_Zero_Max_Minutes",
}

// Message derives the display string for a diagnostic result, e.g.
// hdd_status + 1 -> "FAILED_Disk_Health_Status_Error". Returns "" for CodeNeverRun.
func Message(diag string, code int) string {
	if code == CodeNeverRun {
		return ""
	}
	class := Presentation(code)
	if code == CodeFailure {
		if reason, ok := failureReasons[diag]; ok {
			return class + "_" + reason
		}
		return class
	}
	if reason, ok := codeReasons[code]; ok {
		return class + "_" + reason
	}
	return class
}
