package offline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
)

// Script is one version of the worker: its generation tag, the static
// manifest it pre-caches and its offline fallback page. Source is the
// rendered script the browser downloads; when present its bytes define the
// version.
type Script struct {
	Generation  string   `json:"generation"`
	Manifest    []string `json:"manifest"`
	OfflinePage string   `json:"offline_page"`
	Source      []byte   `json:"-"`
}

// Digest identifies the script version. Two scripts with the same digest are
// the same worker.
func (s Script) Digest() string {
	data := s.Source
	if len(data) == 0 {
		data, _ = json.Marshal(s)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Clone returns a copy that shares no slices with s.
func (s Script) Clone() Script {
	s.Manifest = slices.Clone(s.Manifest)
	s.Source = slices.Clone(s.Source)
	return s
}
