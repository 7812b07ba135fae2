/***************************************************************
 *
 * Copyright (C) 2025, PresQT Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package bundle

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Pack writes the bundle rooted at srcDir into a zip archive at destPath.
// Directory entries are written explicitly so empty containers survive the
// round trip.
func Pack(srcDir, destPath string) error {
	fp, err := os.Create(destPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create archive %s", destPath)
	}
	defer fp.Close()

	zw := zip.NewWriter(fp)
	defer zw.Close()

	base := filepath.Dir(srcDir)
	err = filepath.WalkDir(srcDir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		relPath, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(relPath)

		if entry.IsDir() {
			if path == srcDir {
				return nil
			}
			_, err = zw.Create(name + "/")
			return err
		}

		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "failed to pack %s", srcDir)
	}
	return zw.Close()
}

// Unpack extracts a bundle archive into destDir, refusing entries that
// would escape it.  Zip and gzipped tar are both accepted; the format is
// detected from the file's magic bytes, not its name.
func Unpack(archivePath, destDir string) error {
	gzipped, err := isGzip(archivePath)
	if err != nil {
		return err
	}
	if gzipped {
		return unpackTarGz(archivePath, destDir)
	}

	// ErrInsecurePath still yields a usable reader; traversal entries are
	// rejected per-entry below so the error message names the entry.
	zr, err := zip.OpenReader(archivePath)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return errors.Wrapf(err, "failed to open archive %s", archivePath)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	cleanDest := filepath.Clean(destDir)

	for _, entry := range zr.File {
		destPath := filepath.Clean(filepath.Join(cleanDest, filepath.FromSlash(entry.Name)))
		if destPath != cleanDest && !strings.HasPrefix(destPath, cleanDest+string(os.PathSeparator)) {
			return errors.Errorf("archive contains entry outside the destination directory: %s", entry.Name)
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return errors.Wrapf(err, "failed to create directory %s", destPath)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return errors.Wrapf(err, "failed to create directories for %s", destPath)
		}
		if err := extractFile(entry, destPath); err != nil {
			return err
		}
	}
	return nil
}

func isGzip(archivePath string) (bool, error) {
	fp, err := os.Open(archivePath)
	if err != nil {
		return false, errors.Wrapf(err, "failed to open archive %s", archivePath)
	}
	defer fp.Close()
	magic := make([]byte, 2)
	if _, err := io.ReadFull(fp, magic); err != nil {
		return false, errors.Wrapf(err, "failed to read archive %s", archivePath)
	}
	return magic[0] == 0x1f && magic[1] == 0x8b, nil
}

func unpackTarGz(archivePath, destDir string) error {
	fp, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open archive %s", archivePath)
	}
	defer fp.Close()

	gzr, err := gzip.NewReader(fp)
	if err != nil {
		return errors.Wrapf(err, "failed to decompress %s", archivePath)
	}
	defer gzr.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	cleanDest := filepath.Clean(destDir)

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read archive %s", archivePath)
		}

		destPath := filepath.Clean(filepath.Join(cleanDest, filepath.FromSlash(header.Name)))
		if destPath != cleanDest && !strings.HasPrefix(destPath, cleanDest+string(os.PathSeparator)) {
			return errors.Errorf("archive contains entry outside the destination directory: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return errors.Wrapf(err, "failed to create directory %s", destPath)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
				return errors.Wrapf(err, "failed to create directories for %s", destPath)
			}
			out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return errors.Wrapf(err, "failed to create %s", destPath)
			}
			if _, err = io.Copy(out, tr); err != nil {
				out.Close()
				return errors.Wrapf(err, "failure when unpacking file to %s", destPath)
			}
			out.Close()
		default:
			// Symlinks and specials never appear in a bundle
			log.Debugf("Skipping archive entry %s with type %d", header.Name, header.Typeflag)
		}
	}
}

func extractFile(entry *zip.File, destPath string) error {
	src, err := entry.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to read archive entry %s", entry.Name)
	}
	defer src.Close()

	fp, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", destPath)
	}
	defer fp.Close()

	if _, err = io.Copy(fp, src); err != nil {
		return errors.Wrapf(err, "failure when unpacking file to %s", destPath)
	}
	log.Debugf("Unpacked %s", entry.Name)
	return nil
}
