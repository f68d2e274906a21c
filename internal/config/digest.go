package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Digest fingerprints the decoded config. Two files that decode to the same
// values share a digest regardless of formatting or comments, which lets a
// reload skip editor saves that changed nothing. A nil config has the empty
// digest.
func Digest(cfg *Config) string {
	if cfg == nil {
		return ""
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
