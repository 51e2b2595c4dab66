package artifact

import (
	"context"
	"path"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"lexpipe/internal/safeio"
)

// uploader is the slice of Store the archiver needs; tests substitute a
// recorder.
type uploader interface {
	Put(ctx context.Context, runID, objPath, contentType string, content []byte) error
}

// archiveGlobs name what one pipeline run leaves behind.
var archiveGlobs = []string{
	"*.ndjson",
	"*.bin",
	"checkpoints/*.json",
}

// perUploadTimeout bounds one object upload, not the whole archive run.
const perUploadTimeout = 2 * time.Minute

func contentTypeFor(name string) string {
	switch path.Ext(name) {
	case ".ndjson":
		return "application/x-ndjson"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// Archive uploads every stage output and checkpoint under the data root
// to the store, keyed by a fresh run id. It returns the run id and the
// uploaded paths.
func Archive(ctx context.Context, store uploader, fs *safeio.SafeFS, logger *zap.Logger) (string, []string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := ulid.Make().String()
	var uploaded []string
	for _, glob := range archiveGlobs {
		dir := path.Dir(glob)
		pattern := path.Base(glob)
		entries, err := fs.SafeReadDir(dir)
		if err != nil {
			// A run that never reached this stage has no checkpoints
			// directory yet; skip what does not exist.
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ok, err := path.Match(pattern, e.Name())
			if err != nil || !ok {
				continue
			}
			rel := e.Name()
			if dir != "." {
				rel = dir + "/" + e.Name()
			}
			data, err := fs.SafeReadFile(rel)
			if err != nil {
				return runID, uploaded, err
			}
			upCtx, cancel := context.WithTimeout(ctx, perUploadTimeout)
			err = store.Put(upCtx, runID, rel, contentTypeFor(rel), data)
			cancel()
			if err != nil {
				return runID, uploaded, err
			}
			uploaded = append(uploaded, rel)
			logger.Info("archived",
				zap.String("run_id", runID),
				zap.String("path", rel),
				zap.Int("bytes", len(data)))
		}
	}
	sort.Strings(uploaded)
	return runID, uploaded, nil
}
