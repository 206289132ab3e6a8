package efi

import (
	"errors"
	"fmt"
)

// Status is an EFI_STATUS value as returned by firmware services.
//
// A non-success Status is also an error, so firmware failures can be wrapped
// with fmt.Errorf("...: %w") and matched with errors.Is.
type Status uint64

const errorBit = 1 << 63

const (
	Success            Status = 0
	LoadError          Status = errorBit | 1
	InvalidParameter   Status = errorBit | 2
	Unsupported        Status = errorBit | 3
	BadBufferSize      Status = errorBit | 4
	BufferTooSmall     Status = errorBit | 5
	NotReady           Status = errorBit | 6
	DeviceError        Status = errorBit | 7
	WriteProtected     Status = errorBit | 8
	OutOfResources     Status = errorBit | 9
	VolumeCorrupted    Status = errorBit | 10
	VolumeFull         Status = errorBit | 11
	NoMedia            Status = errorBit | 12
	MediaChanged       Status = errorBit | 13
	NotFound           Status = errorBit | 14
	AccessDenied       Status = errorBit | 15
	NoResponse         Status = errorBit | 16
	NoMapping          Status = errorBit | 17
	Timeout            Status = errorBit | 18
	NotStarted         Status = errorBit | 19
	AlreadyStarted     Status = errorBit | 20
	Aborted            Status = errorBit | 21
	ICMPError          Status = errorBit | 22
	TFTPError          Status = errorBit | 23
	ProtocolError      Status = errorBit | 24
	IncompatibleVer    Status = errorBit | 25
	SecurityViolation  Status = errorBit | 26
	CRCError           Status = errorBit | 27
	EndOfMedia         Status = errorBit | 28
	EndOfFile          Status = errorBit | 31
	InvalidLanguage    Status = errorBit | 32
	CompromisedData    Status = errorBit | 33
	HTTPError          Status = errorBit | 35
	WarnUnknownGlyph   Status = 1
	WarnDeleteFailure  Status = 2
	WarnWriteFailure   Status = 3
	WarnBufferTooSmall Status = 4
)

var statusText = map[Status]string{
	Success:            "Success",
	LoadError:          "Load Error",
	InvalidParameter:   "Invalid Parameter",
	Unsupported:        "Unsupported",
	BadBufferSize:      "Bad Buffer Size",
	BufferTooSmall:     "Buffer Too Small",
	NotReady:           "Not Ready",
	DeviceError:        "Device Error",
	WriteProtected:     "Write Protected",
	OutOfResources:     "Out of Resources",
	VolumeCorrupted:    "Volume Corrupt",
	VolumeFull:         "Volume Full",
	NoMedia:            "No Media",
	MediaChanged:       "Media changed",
	NotFound:           "Not Found",
	AccessDenied:       "Access Denied",
	NoResponse:         "No Response",
	NoMapping:          "No mapping",
	Timeout:            "Time out",
	NotStarted:         "Not started",
	AlreadyStarted:     "Already started",
	Aborted:            "Aborted",
	ICMPError:          "ICMP Error",
	TFTPError:          "TFTP Error",
	ProtocolError:      "Protocol Error",
	IncompatibleVer:    "Incompatible Version",
	SecurityViolation:  "Security Violation",
	CRCError:           "CRC Error",
	EndOfMedia:         "End of Media",
	EndOfFile:          "End of File",
	InvalidLanguage:    "Invalid Language",
	CompromisedData:    "Compromised Data",
	HTTPError:          "HTTP Error",
	WarnUnknownGlyph:   "Warning Unknown Glyph",
	WarnDeleteFailure:  "Warning Delete Failure",
	WarnWriteFailure:   "Warning Write Failure",
	WarnBufferTooSmall: "Warning Buffer Too Small",
}

// IsError reports whether the high bit of the status is set.
func (s Status) IsError() bool {
	return s&errorBit != 0
}

// String renders the status the way the firmware's StatusToString does.
func (s Status) String() string {
	if t, ok := statusText[s]; ok {
		return t
	}

	if s.IsError() {
		return fmt.Sprintf("EFI Error %d", uint64(s&^errorBit))
	}

	return fmt.Sprintf("EFI Warning %d", uint64(s))
}

func (s Status) Error() string {
	return s.String()
}

// StatusOf extracts the firmware status carried by err. Errors that did not
// originate in firmware map to LoadError so that a failing application
// always exits with an error status.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}

	var s Status
	if errors.As(err, &s) {
		return s
	}

	return LoadError
}
