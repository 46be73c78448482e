package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
)

var reKind = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,15}$`)

// Key addresses one artifact.
type Key struct {
	DocumentID uuid.UUID
	Stage      constants.ArtifactStage
	Kind       string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.DocumentID, k.Stage, k.Kind)
}

// Name is the object path relative to the backend root, e.g. "ocr-clean/<id>.json".
func (k Key) Name() string {
	return k.Stage.Dir() + "/" + k.DocumentID.String() + "." + k.Kind
}

// Validate rejects keys that cannot be stored.
func (k Key) Validate() error {
	if k.DocumentID == uuid.Nil {
		return fmt.Errorf("%w: artifact key without document id", common.ErrInvalidInput)
	}
	if !k.Stage.Valid() {
		return fmt.Errorf("%w: unknown artifact stage %q", common.ErrInvalidInput, k.Stage)
	}
	if !reKind.MatchString(k.Kind) {
		return fmt.Errorf("%w: bad content kind %q", common.ErrInvalidInput, k.Kind)
	}
	return nil
}

// Artifact describes a stored blob.
type Artifact struct {
	Key     Key
	Locator string
	SHA256  string
	Size    int64
}

// Store is durable, idempotent, stage-keyed blob storage.
//
// Put overwrites any artifact at the same key and never leaves a partial
// write visible. Get fails with common.ErrNotFound for a missing key and
// common.ErrStoreUnavailable for transport failures.
type Store interface {
	Put(ctx context.Context, key Key, data []byte) (Artifact, error)
	Get(ctx context.Context, key Key) ([]byte, error)
	Stat(ctx context.Context, key Key) (Artifact, error)
}

// Hash returns the hex sha256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyHash checks data against the hash recorded at write time.
// The store never enforces this itself.
func VerifyHash(data []byte, a Artifact) error {
	if a.SHA256 == "" {
		return nil
	}
	if got := Hash(data); got != a.SHA256 {
		return fmt.Errorf("artifact %s: hash mismatch: have %s want %s", a.Key, got, a.SHA256)
	}
	return nil
}
