package storage

import (
	"context"
	"fmt"
	"gstinvoice-backend/internal/components/telemetry"
	"os"
	"path/filepath"
	"strings"
)

const report_fs_save = "filesystem.save"

// API persists retrieved invoices and returns a reference the caller can
// hand to whoever needs the file.
//
// note: fault injection point
type API interface {
	Save(ctx context.Context, content []byte, filename, vendor string) (string, error)
}

// Filesystem stores artifacts at <root>/<vendor>/<filename>.
type Filesystem struct {
	root string
	tel  telemetry.API
}

func NewFilesystem(root string, tel telemetry.API) (Filesystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Filesystem{}, err
	}
	err = os.MkdirAll(abs, 0777)
	if err != nil {
		return Filesystem{}, err
	}
	return Filesystem{
		root: abs,
		tel:  telemetry.NewScopedAPI("storage", tel),
	}, nil
}

func cleanName(name string) (string, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", fmt.Errorf("invalid name")
	}
	return name, nil
}

func (f Filesystem) Save(ctx context.Context, content []byte, filename, vendor string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	vendorDir, err := cleanName(vendor)
	if err != nil {
		return "", fmt.Errorf("vendor %q: %w", vendor, err)
	}
	base, err := cleanName(filename)
	if err != nil {
		return "", fmt.Errorf("filename %q: %w", filename, err)
	}

	dir := filepath.Join(f.root, vendorDir)
	err = os.MkdirAll(dir, 0777)
	if err != nil {
		f.tel.ReportBroken(report_fs_save, err)
		return "", err
	}

	path := filepath.Join(dir, base)
	// write to a temporary file first so readers never see half an invoice
	tmp, err := os.CreateTemp(dir, base+".*.tmp")
	if err != nil {
		f.tel.ReportBroken(report_fs_save, err)
		return "", err
	}
	_, err = tmp.Write(content)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		f.tel.ReportBroken(report_fs_save, err, path)
		return "", err
	}

	f.tel.ReportDebug("saved artifact", path, len(content))
	return path, nil
}
