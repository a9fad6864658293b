package flagcore

import (
	"runtime"
	"sync"

	"github.com/google/uuid"
)

// sdkMetadata travels on every outbound fetch and error report so the
// receiving side can tell which build/process produced it.
type sdkMetadata struct {
	SDKType         string `json:"sdkType"`
	SDKVersion      string `json:"sdkVersion"`
	LanguageVersion string `json:"languageVersion"`
	SessionID       string `json:"sessionID"`
}

const sdkVersion = "0.1.0"

var (
	sessionOnce sync.Once
	sessionID   string
)

// SessionID is a process-lifetime identifier, generated once per process
// with a random (v4) UUID.
func SessionID() string {
	sessionOnce.Do(func() {
		sessionID = uuid.NewString()
	})
	return sessionID
}

func getSDKMetadata() sdkMetadata {
	return sdkMetadata{
		SDKType:         "flagcore-go",
		SDKVersion:      sdkVersion,
		LanguageVersion: runtime.Version(),
		SessionID:       SessionID(),
	}
}
