package bag

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/caravel-data/caravel/errors"
)

// RemoteEntry is a remote-only payload reference: the file is part of the
// bag's payload but its bytes live at URL rather than on disk. An entry is
// only valid once its length and at least one checksum are known; values are
// never fabricated.
type RemoteEntry struct {
	URL      string `json:"url"`
	Length   int64  `json:"length"`
	Filename string `json:"filename"` // bag-relative payload path ("data/...")

	Checksums map[Algorithm]string `json:"-"`
}

// remoteEntryJSON is the json-stream wire form used by the intermediate
// remote-file manifest, with one named field per supported algorithm.
type remoteEntryJSON struct {
	URL         string `json:"url"`
	Length      int64  `json:"length"`
	Filename    string `json:"filename"`
	MD5         string `json:"md5,omitempty"`
	SHA1        string `json:"sha1,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
	SHA512      string `json:"sha512,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Validate checks the finalization invariant for a remote entry.
func (e RemoteEntry) Validate() error {
	switch {
	case e.URL == "":
		return errors.Mark(errors.New("remote entry missing url"), errors.ErrPackaging)
	case e.Filename == "":
		return errors.Mark(errors.Newf("remote entry for %s missing filename", e.URL), errors.ErrPackaging)
	case e.Length < 0:
		return errors.Mark(errors.Newf("remote entry for %s missing length", e.URL), errors.ErrPackaging)
	case len(e.Checksums) == 0:
		return errors.Mark(errors.Newf("remote entry for %s carries no checksum", e.URL), errors.ErrPackaging)
	}
	return nil
}

// MarshalJSON renders the entry in the json-stream manifest form.
func (e RemoteEntry) MarshalJSON() ([]byte, error) {
	j := remoteEntryJSON{
		URL:      e.URL,
		Length:   e.Length,
		Filename: e.Filename,
		MD5:      e.Checksums[MD5],
		SHA1:     e.Checksums[SHA1],
		SHA256:   e.Checksums[SHA256],
		SHA512:   e.Checksums[SHA512],
	}
	return json.Marshal(j)
}

// UnmarshalJSON parses the json-stream manifest form.
func (e *RemoteEntry) UnmarshalJSON(data []byte) error {
	var j remoteEntryJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.URL = j.URL
	e.Length = j.Length
	e.Filename = j.Filename
	e.Checksums = map[Algorithm]string{}
	for alg, v := range map[Algorithm]string{MD5: j.MD5, SHA1: j.SHA1, SHA256: j.SHA256, SHA512: j.SHA512} {
		if v != "" {
			e.Checksums[alg] = v
		}
	}
	return nil
}

// AppendRemoteEntry appends one validated entry to the json-stream
// remote-file manifest at path, creating the file if needed. Multiple fetch
// stages may append to the same manifest across a pipeline run.
func AppendRemoteEntry(path string, e RemoteEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	defer f.Close()
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	return nil
}

// ReadRemoteManifest parses a json-stream remote-file manifest. A missing
// file yields no entries.
func ReadRemoteManifest(path string) ([]RemoteEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	defer f.Close()

	var entries []RemoteEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e RemoteEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, errors.Mark(
				errors.Wrapf(err, "malformed remote manifest line in %s", path), errors.ErrPackaging)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	return entries, nil
}

// WriteFetchFile writes the bag fetch ledger ("url length path" per line).
// With no entries any stale ledger is removed instead.
func WriteFetchFile(path string, entries []RemoteEntry) error {
	if len(entries) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Mark(errors.WithStack(err), errors.ErrPackaging)
		}
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		fmt.Fprintf(w, "%s %d %s\n", e.URL, e.Length, e.Filename)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	if err := f.Close(); err != nil {
		return errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	return nil
}

// ReadFetchFile parses a bag fetch ledger. A missing file yields no entries.
// Checksums are not present in the ledger itself; they live in the payload
// manifests.
func ReadFetchFile(path string) ([]RemoteEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	defer f.Close()

	var entries []RemoteEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			return nil, errors.Mark(errors.Newf("malformed fetch.txt line: %q", line), errors.ErrPackaging)
		}
		length, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "malformed length in fetch.txt line %q", line), errors.ErrPackaging)
		}
		entries = append(entries, RemoteEntry{URL: parts[0], Length: length, Filename: parts[2]})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	return entries, nil
}
