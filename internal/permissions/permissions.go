// Package permissions checks OS-level microphone access before a
// capture device is opened, so a denied permission surfaces as a clear
// preflight error instead of a silent empty recording.
package permissions

// PermissionStatus represents the status of a system permission.
type PermissionStatus int

const (
	// PermissionNotDetermined means the user hasn't been asked yet.
	PermissionNotDetermined PermissionStatus = 0
	// PermissionRestricted means the permission is restricted by policy.
	PermissionRestricted PermissionStatus = 1
	// PermissionDenied means the user has explicitly denied the permission.
	PermissionDenied PermissionStatus = 2
	// PermissionAuthorized means the user has authorized the permission.
	PermissionAuthorized PermissionStatus = 3
)

// String returns the string representation of the status.
func (ps PermissionStatus) String() string {
	switch ps {
	case PermissionNotDetermined:
		return "NotDetermined"
	case PermissionRestricted:
		return "Restricted"
	case PermissionDenied:
		return "Denied"
	case PermissionAuthorized:
		return "Authorized"
	default:
		return "Unknown"
	}
}

// PermissionChecker provides methods for checking system permissions.
type PermissionChecker struct{}

// NewPermissionChecker creates a new permission checker.
func NewPermissionChecker() *PermissionChecker {
	return &PermissionChecker{}
}

// CheckMicrophonePermission checks whether the application may open a
// capture device.
func (pc *PermissionChecker) CheckMicrophonePermission() PermissionStatus {
	return checkMicrophone()
}

// IsMicrophoneAuthorized returns whether microphone permission is
// granted. NotDetermined counts as authorized: opening the device is
// what triggers the OS prompt.
func (pc *PermissionChecker) IsMicrophoneAuthorized() bool {
	status := pc.CheckMicrophonePermission()
	return status == PermissionAuthorized || status == PermissionNotDetermined
}

// RequestMicrophonePermission opens the system settings page for
// microphone access.
func (pc *PermissionChecker) RequestMicrophonePermission() error {
	return requestMicrophone()
}
