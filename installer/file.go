package installer

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/go-errors/errors"
	"github.com/inconshreveable/go-update"
)

// check FileInstaller compliance to its interface during compile time
var _ Installer = (*FileInstaller)(nil)

type FileConfig struct {
	// Target is the file replaced by the bundle contents.
	Target string
	Client *http.Client
	Logger Logger
}

// FileInstaller fetches a bundle from a http(s) URL or a local path and
// atomically replaces the target file with it.
type FileInstaller struct {
	log    Logger
	target string
	client *http.Client
}

func NewFileInstaller(config *FileConfig) *FileInstaller {
	f := &FileInstaller{
		target: config.Target,
		client: config.Client,
	}

	if f.client == nil {
		f.client = http.DefaultClient
	}

	if config.Logger != nil {
		f.log = config.Logger
	} else {
		f.log = noopLogger{}
	}

	return f
}

func (f *FileInstaller) Install(ctx context.Context, bundle Bundle, progress ProgressFunc) error {
	if f.target == "" {
		return errors.New("no install target configured")
	}

	body, size, err := f.open(ctx, bundle.Source)
	if err != nil {
		return err
	}
	defer body.Close()

	f.log.Infof("Writing %v %v to %v", bundle.Name, bundle.Version, f.target)

	reader := &progressReader{
		ctx:      ctx,
		reader:   body,
		total:    size,
		progress: progress,
	}

	err = update.Apply(reader, update.Options{
		TargetPath: f.target,
	})
	if err != nil {
		if rerr := update.RollbackError(err); rerr != nil {
			f.log.Errorf("Could not roll back %v: %v", f.target, rerr)
		}

		return errors.Errorf("could not apply bundle: %v", err)
	}

	progress(100)

	return nil
}

// open returns the bundle contents and their size, or -1 when unknown.
func (f *FileInstaller) open(ctx context.Context, source string) (io.ReadCloser, int64, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, 0, errors.Errorf("could not create request: %v", err)
		}

		res, err := f.client.Do(req)
		if err != nil {
			return nil, 0, errors.Errorf("could not download %v: %v", source, err)
		}

		if res.StatusCode != http.StatusOK {
			res.Body.Close()
			return nil, 0, errors.Errorf("could not download %v: %v", source, res.Status)
		}

		return res.Body, res.ContentLength, nil
	}

	file, err := os.Open(strings.TrimPrefix(source, "file://"))
	if err != nil {
		return nil, 0, errors.Errorf("could not open %v: %v", source, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, errors.Errorf("could not stat %v: %v", source, err)
	}

	return file, info.Size(), nil
}

// progressReader reports the share of total read so far. The last percent is
// left to the caller, which reports 100 once the bundle has been applied.
type progressReader struct {
	ctx      context.Context
	reader   io.Reader
	total    int64
	read     int64
	last     int
	once     sync.Once
	progress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := p.reader.Read(b)
	p.read += int64(n)

	if p.total > 0 {
		percentage := int(p.read * 99 / p.total)
		if percentage > 99 {
			percentage = 99
		}

		if percentage != p.last {
			p.last = percentage
			p.progress(percentage)
		}
	} else {
		p.once.Do(func() { p.progress(1) })
	}

	return n, err
}
