package gateway

import (
	"os"
	"sync"

	"github.com/google/uuid"
)

var (
	instanceOnce sync.Once
	instanceID   string
)

// InstanceID identifies this gateway process in connect frames and logs.
// Set CHATRELAY_INSTANCE_ID to pin it; otherwise it is generated once per
// process.
func InstanceID() string {
	instanceOnce.Do(func() {
		if id := os.Getenv("CHATRELAY_INSTANCE_ID"); id != "" {
			instanceID = id
			return
		}
		instanceID = "gw-" + uuid.NewString()[:8]
	})
	return instanceID
}
