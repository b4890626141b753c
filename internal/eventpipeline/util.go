package eventpipeline

import (
	"encoding/hex"
	"time"
)

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func encodeHex(b []byte) string {
	return hex.EncodeToString(b)
}
