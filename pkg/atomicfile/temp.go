package atomicfile

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/calvinalkan/atomically/pkg/fs"
)

// DefaultMaxBasename is the longest basename [TempRegistry.Truncate] leaves
// alone. A name of this length plus a temp suffix stays under the 255 byte
// NAME_MAX of common filesystems.
const DefaultMaxBasename = 128

// tempMarker precedes the timestamp and random tails of a temp name. It must
// stay in sync with truncatePattern; NewTempRegistry checks this.
const tempMarker = ".tmp-"

const tempReserveAttempts = 10_000

// truncatePattern splits a basename into (leading dot)(body)(extension and
// temp suffix). Only the body is shortened.
var truncatePattern = regexp.MustCompile(`^(\.?)(.*?)((?:\.[^.]+)?(?:\.tmp-\d{10}[a-f0-9]{6})?)$`)

// ErrTempExhausted is returned when no unused temp name could be generated.
var ErrTempExhausted = errors.New("exhausted temp file names")

// NameGenerator returns a candidate temp path for target.
type NameGenerator func(target string) string

// GenerateName returns target with a ".tmp-" suffix followed by the last 10
// digits of the current Unix millisecond clock and 6 random hex digits.
func GenerateName(target string) string {
	return generateName(target, time.Now(), rand.IntN(tempSuffixSpace))
}

// tempSuffixSpace is the number of distinct 6 hex digit suffixes.
const tempSuffixSpace = 1 << 24

func generateName(target string, now time.Time, suffix int) string {
	return fmt.Sprintf("%s%s%010d%06x", target, tempMarker, now.UnixMilli()%10_000_000_000, suffix)
}

// TempRegistry tracks live temp files so they can be reclaimed after a
// failed write or at process exit.
//
// An entry is added by [TempRegistry.Reserve] and removed either by the
// dispose func (after a successful rename, when the file now lives under its
// real name) or by [TempRegistry.Purge]. Entries reserved with purge=false
// are deregistered on purge but their file is left on disk.
//
// TempRegistry is safe for concurrent use.
type TempRegistry struct {
	fs          fs.FS
	logger      *slog.Logger
	maxBasename int

	mu      sync.Mutex
	entries map[string]bool
}

// NewTempRegistry returns a registry that unlinks through fsys. A
// maxBasename <= 0 selects [DefaultMaxBasename]. A nil logger discards.
//
// It panics if names from [GenerateName] would not be recognized by the
// truncation pattern, since truncation would then silently do nothing.
func NewTempRegistry(fsys fs.FS, maxBasename int, logger *slog.Logger) *TempRegistry {
	if fsys == nil {
		panic("fs is nil")
	}

	if maxBasename <= 0 {
		maxBasename = DefaultMaxBasename
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := checkTempPattern(); err != nil {
		panic(err)
	}

	return &TempRegistry{
		fs:          fsys,
		logger:      logger,
		maxBasename: maxBasename,
		entries:     make(map[string]bool),
	}
}

func checkTempPattern() error {
	name := generateName("sample.json", time.Now(), tempSuffixSpace-1)

	m := truncatePattern.FindStringSubmatch(name)
	if m == nil || m[3] != name[len("sample"):] {
		return fmt.Errorf("temp name %q not recognized by truncation pattern", name)
	}

	return nil
}

// Len returns the number of live entries.
func (r *TempRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// Paths returns the live temp paths, sorted.
func (r *TempRegistry) Paths() []string {
	r.mu.Lock()
	paths := make([]string, 0, len(r.entries))

	for p := range r.entries {
		paths = append(paths, p)
	}
	r.mu.Unlock()

	sort.Strings(paths)

	return paths
}

// Reserve registers a temp path for target. A nil gen selects
// [GenerateName]. Candidates are truncated to the basename limit and
// regenerated while they collide with a live entry.
//
// dispose removes the entry without touching the filesystem.
func (r *TempRegistry) Reserve(target string, gen NameGenerator, purge bool) (string, func(), error) {
	if gen == nil {
		gen = GenerateName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for range tempReserveAttempts {
		candidate := r.truncate(gen(target))
		if _, live := r.entries[candidate]; live {
			continue
		}

		r.entries[candidate] = purge

		var once sync.Once

		dispose := func() {
			once.Do(func() {
				r.mu.Lock()
				delete(r.entries, candidate)
				r.mu.Unlock()
			})
		}

		return candidate, dispose, nil
	}

	return "", nil, fmt.Errorf("%w for %q", ErrTempExhausted, target)
}

// Purge deregisters path and, if it was reserved with purge=true, removes
// it from disk. Removal errors are logged and otherwise ignored.
// Unregistered paths are left alone.
func (r *TempRegistry) Purge(path string) {
	r.mu.Lock()
	purge, ok := r.entries[path]
	delete(r.entries, path)
	r.mu.Unlock()

	if !ok || !purge {
		return
	}

	err := r.fs.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		r.logger.Warn("remove temp file", "path", path, "err", err)
	}
}

// PurgeAll purges every live entry. The registry is empty afterwards.
func (r *TempRegistry) PurgeAll() {
	for _, p := range r.Paths() {
		r.Purge(p)
	}
}

// Truncate shortens the basename of path to the registry limit by cutting
// the body, keeping any leading dot, extension and temp suffix intact.
// Paths within the limit, or whose basename the pattern does not
// recognize, are returned unchanged.
func (r *TempRegistry) Truncate(path string) string {
	return r.truncate(path)
}

func (r *TempRegistry) truncate(path string) string {
	base := filepath.Base(path)
	if len(base) <= r.maxBasename {
		return path
	}

	m := truncatePattern.FindStringSubmatch(base)
	if m == nil {
		return path
	}

	over := len(base) - r.maxBasename
	body := m[2]

	keep := max(len(body)-over, 0)
	for keep > 0 && !utf8.RuneStart(body[keep]) {
		keep--
	}

	return path[:len(path)-len(base)] + m[1] + body[:keep] + m[3]
}
