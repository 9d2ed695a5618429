//go:build !darwin || !cgo

package permissions

// Non-darwin platforms gate microphone access at the device level, not
// through a per-application permission database.
func checkMicrophone() PermissionStatus {
	return PermissionAuthorized
}

func requestMicrophone() error {
	return nil
}
