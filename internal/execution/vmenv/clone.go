package vmenv

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// CloneBlockSize is the unit in which images are compared and copied.
const CloneBlockSize = 16 * 1024

var zeroBlock = make([]byte, CloneBlockSize)

// CloneSparse copies src to dst, leaving holes for every all-zero block, and
// truncates dst to the logical size of src. dst must not exist.
func CloneSparse(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open base image: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat base image: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return 0, &ProvisionError{Instance: dst, Err: ErrImageExists}
		}
		return 0, fmt.Errorf("create instance image: %w", err)
	}

	written, copyErr := copySparse(out, in)
	if copyErr == nil {
		copyErr = out.Truncate(info.Size())
	}
	if copyErr == nil {
		copyErr = out.Chmod(info.Mode().Perm())
	}
	if closeErr := out.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(dst)
		return 0, fmt.Errorf("clone %s: %w", src, copyErr)
	}
	return written, nil
}

func copySparse(out *os.File, in io.Reader) (int64, error) {
	buf := make([]byte, CloneBlockSize)
	var written int64
	for {
		n, err := io.ReadFull(in, buf)
		if n > 0 {
			block := buf[:n]
			if bytes.Equal(block, zeroBlock[:n]) {
				if _, err := out.Seek(int64(n), io.SeekCurrent); err != nil {
					return written, err
				}
			} else {
				if _, err := out.Write(block); err != nil {
					return written, err
				}
				written += int64(n)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
