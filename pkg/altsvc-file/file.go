package altsvcfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/always-cache/altsvc/cache"
	"github.com/always-cache/altsvc/pkg/origin"
)

const (
	// MaxLineLen is the longest line that is read, longer lines are skipped.
	MaxLineLen = 4095
	// MaxDateLen is the longest quoted date accepted.
	MaxDateLen = 256

	maxProtocolLen = 10
	maxHostLen     = 2048
)

const header = "# Alt-Svc cache, see https://curl.se/docs/alt-svc.html for the format\n" +
	"# Generated by altsvc. Edit at your own risk.\n"

// Load reads the entries stored in the file at path.
// A file that does not exist holds no entries and is not an error.
func Load(path string, log *zerolog.Logger) ([]cache.Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, log)
}

// Read decodes entries, one per line.
// Comments and lines that do not follow the format exactly are skipped.
// The returned error is only about reading, never about content.
func Read(r io.Reader, log *zerolog.Logger) ([]cache.Entry, error) {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	entries := make([]cache.Entry, 0)
	br := bufio.NewReaderSize(r, MaxLineLen+1)
	lineNo := 0
	for {
		line, tooLong, err := readLine(br)
		if tooLong {
			lineNo++
			log.Debug().Int("line", lineNo).Msg("Alt-svc line too long, skipping")
		} else if len(line) > 0 {
			lineNo++
			if e, ok := parseLine(string(line)); ok {
				entries = append(entries, e)
			} else if !isComment(line) {
				log.Debug().Int("line", lineNo).Msg("Malformed alt-svc line, skipping")
			}
		}
		if err == io.EOF {
			return entries, nil
		} else if err != nil {
			return entries, err
		}
	}
}

// readLine returns the next line including its newline.
// Lines longer than MaxLineLen are consumed and reported as too long instead.
func readLine(br *bufio.Reader) ([]byte, bool, error) {
	line, err := br.ReadSlice('\n')
	if err != bufio.ErrBufferFull {
		return line, false, err
	}
	for err == bufio.ErrBufferFull {
		_, err = br.ReadSlice('\n')
	}
	return nil, true, err
}

func isComment(line []byte) bool {
	for _, c := range line {
		if c == ' ' || c == '\t' {
			continue
		}
		return c == '#'
	}
	return false
}

// Write encodes the entries, one per line, after a comment header.
// All entries are written, including expired ones.
func Write(w io.Writer, entries []cache.Entry) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(header); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := bw.WriteString(FormatLine(e)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// FormatLine renders a single entry, including the trailing newline.
func FormatLine(e cache.Entry) string {
	persist := 0
	if e.Persist {
		persist = 1
	}
	return fmt.Sprintf("%s %s %d %s %s %d \"%s\" %d %d\n",
		e.Source.Protocol, origin.FormatHost(e.Source.Host), e.Source.Port,
		e.Destination.Protocol, origin.FormatHost(e.Destination.Host), e.Destination.Port,
		FormatDate(e.Expires), persist, 0)
}

// WriteFile replaces the file at path with the encoded entries.
// It writes to a temporary file in the same directory and renames it into place,
// removing the temporary file if anything fails.
// Paths that exist but are not regular files (e.g. /dev/null) are written directly.
func WriteFile(path string, entries []cache.Entry) error {
	perm := fs.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		if !info.Mode().IsRegular() {
			return writeDirect(path, entries)
		}
		perm = info.Mode().Perm()
	}

	tempPath := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("could not create temporary alt-svc file: %w", err)
	}
	err = Write(f, entries)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tempPath, path)
	}
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("could not write alt-svc file %s: %w", path, err)
	}
	return nil
}

func writeDirect(path string, entries []cache.Entry) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	err = Write(f, entries)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// FilePersister persists entries to a text file.
type FilePersister struct {
	Path   string
	Logger *zerolog.Logger
}

func (p FilePersister) Persist(entries []cache.Entry) error {
	return WriteFile(p.Path, entries)
}

func (p FilePersister) Restore() ([]cache.Entry, error) {
	return Load(p.Path, p.Logger)
}
