//go:build darwin && cgo

package permissions

/*
#cgo CFLAGS: -x objective-c -fmodules
#cgo LDFLAGS: -framework AVFoundation

#import <AVFoundation/AVFoundation.h>

int check_microphone_permission() {
    AVAuthorizationStatus status = [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
    return (int)status;
}
*/
import "C"

import "os/exec"

func checkMicrophone() PermissionStatus {
	return PermissionStatus(C.check_microphone_permission())
}

func requestMicrophone() error {
	url := "x-apple.systempreferences:com.apple.preference.security?Privacy_Microphone"
	cmd := exec.Command("open", url)
	return cmd.Run()
}
