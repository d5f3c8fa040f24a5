package bag

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/caravel-data/caravel/errors"
)

// Archiver names a serialization format for a finished bag.
type Archiver string

const (
	Zip Archiver = "zip"
	Tar Archiver = "tar"
	Tgz Archiver = "tgz"
)

// ParseArchiver validates an archiver name.
func ParseArchiver(name string) (Archiver, error) {
	switch a := Archiver(strings.ToLower(name)); a {
	case Zip, Tar, Tgz:
		return a, nil
	}
	return "", errors.Mark(errors.Newf("unsupported archiver %q", name), errors.ErrConfiguration)
}

func (a Archiver) extension() string {
	switch a {
	case Zip:
		return ".zip"
	case Tar:
		return ".tar"
	case Tgz:
		return ".tgz"
	}
	return ""
}

// Archive serializes the bag directory at bagPath into a sibling archive
// file named after the bag, with the bag directory as the top-level entry.
// Returns the archive path.
func Archive(bagPath string, format Archiver) (string, error) {
	bagPath = filepath.Clean(bagPath)
	archivePath := bagPath + format.extension()

	out, err := os.Create(archivePath)
	if err != nil {
		return "", errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}

	switch format {
	case Zip:
		err = writeZip(out, bagPath)
	case Tar:
		err = writeTar(out, bagPath)
	case Tgz:
		gz := gzip.NewWriter(out)
		if err = writeTar(gz, bagPath); err == nil {
			err = gz.Close()
		}
	default:
		err = errors.Mark(errors.Newf("unsupported archiver %q", format), errors.ErrConfiguration)
	}

	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(archivePath)
		return "", errors.Mark(errors.Wrapf(err, "archiving bag %s", bagPath), errors.ErrPackaging)
	}
	return archivePath, nil
}

// walkArchive visits every file in the bag with its archive-internal name
// (bag directory name as prefix, slash-separated).
func walkArchive(bagPath string, visit func(name, path string, info fs.FileInfo) error) error {
	base := filepath.Base(bagPath)
	return filepath.WalkDir(bagPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bagPath, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return visit(base+"/"+filepath.ToSlash(rel), p, info)
	})
}

func writeZip(w io.Writer, bagPath string) error {
	zw := zip.NewWriter(w)
	err := walkArchive(bagPath, func(name, path string, info fs.FileInfo) error {
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		hdr.Method = zip.Deflate
		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(entry, f)
		f.Close()
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func writeTar(w io.Writer, bagPath string) error {
	tw := tar.NewWriter(w)
	err := walkArchive(bagPath, func(name, path string, info fs.FileInfo) error {
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})
	if err != nil {
		tw.Close()
		return err
	}
	return tw.Close()
}
