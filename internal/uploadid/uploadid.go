// Package uploadid issues lexically sortable upload identifiers of the form upl_<ulid>.
package uploadid

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/mediaquota/pkg/quota"
	"github.com/oklog/ulid/v2"
)

// Prefix marks upload identifiers issued by this package.
const Prefix = "upl_"

// Generator produces monotonic upload ids. Safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy *ulid.MonotonicEntropy
}

// NewGenerator seeds a generator. A nil clock falls back to time.Now.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	source := rand.NewSource(now().UnixNano())
	return &Generator{
		now:     now,
		entropy: ulid.Monotonic(rand.New(source), 0),
	}
}

// New returns the next upl_* string.
func (generator *Generator) New() (string, error) {
	generator.mu.Lock()
	defer generator.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(generator.now()), generator.entropy)
	if err != nil {
		return "", fmt.Errorf("uploadid: %w", err)
	}
	return Prefix + strings.ToLower(id.String()), nil
}

// UploadID adapts New to quota.WithUploadIDGenerator.
func (generator *Generator) UploadID() (quota.UploadID, error) {
	value, err := generator.New()
	if err != nil {
		return quota.UploadID{}, err
	}
	return quota.NewUploadID(value)
}

// IsValid reports whether value is an upl_* ULID.
func IsValid(value string) bool {
	if !strings.HasPrefix(value, Prefix) {
		return false
	}
	_, err := Parse(value)
	return err == nil
}

// Parse strips the prefix and returns the ULID.
func Parse(value string) (ulid.ULID, error) {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, Prefix)
	return ulid.Parse(strings.ToUpper(value))
}

// IssuedAt returns the millisecond timestamp embedded in an upload id.
func IssuedAt(value string) (time.Time, error) {
	id, err := Parse(value)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()).UTC(), nil
}
