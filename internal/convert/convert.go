// Package convert translates disk images between formats by invoking
// qemu-img. Conversions consume staging disk proportional to image size, so
// the converter bounds how many run at once.
package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kumoproj/kumo/internal/common"
	"github.com/kumoproj/kumo/internal/logger"
	"github.com/kumoproj/kumo/internal/migrate"
)

// qemu-img format names differ from our tags for VHD.
var qemuFormat = map[migrate.Format]string{
	migrate.FormatRaw:   "raw",
	migrate.FormatQCOW2: "qcow2",
	migrate.FormatVHD:   "vpc",
	migrate.FormatVMDK:  "vmdk",
}

// Converter runs qemu-img with bounded concurrency.
type Converter struct {
	logger *logger.Logger
	slots  chan struct{}
}

// New creates a Converter allowing at most slots concurrent conversions.
func New(log *logger.Logger, slots int) *Converter {
	if slots <= 0 {
		slots = 1
	}
	return &Converter{
		logger: log,
		slots:  make(chan struct{}, slots),
	}
}

// CheckPrerequisites verifies qemu-img is installed.
func (c *Converter) CheckPrerequisites() error {
	return common.CheckCommand("qemu-img")
}

// Convert translates srcPath into dstPath with the requested target format.
// Same-format pairs pass through without invoking qemu-img; the caller gets
// srcPath back. Unsupported pairs fail with an unsupported-conversion error,
// which the pipeline treats as fatal.
func (c *Converter) Convert(ctx context.Context, srcPath string, srcFormat, dstFormat migrate.Format, dstPath string) (string, error) {
	if !migrate.SupportedFormat(srcFormat) || !migrate.SupportedFormat(dstFormat) {
		return "", migrate.Errorf(migrate.KindUnsupportedConversion, "convert",
			"unsupported conversion %s -> %s", srcFormat, dstFormat)
	}
	if srcFormat == dstFormat {
		c.logger.Debugf("Source already in %s format, skipping conversion", dstFormat)
		return srcPath, nil
	}

	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return "", migrate.NewError(migrate.KindStagingExhausted, "convert", ctx.Err())
	}
	defer func() { <-c.slots }()

	c.logger.Infof("Converting %s (%s) -> %s (%s)", filepath.Base(srcPath), srcFormat, filepath.Base(dstPath), dstFormat)

	if dstFormat == migrate.FormatVHD {
		return dstPath, c.convertToVHD(ctx, srcPath, srcFormat, dstPath)
	}

	args := []string{"convert", "-f", qemuFormat[srcFormat], "-O", qemuFormat[dstFormat], srcPath, dstPath}
	if _, err := common.RunCommand(ctx, "qemu-img", args...); err != nil {
		return "", fmt.Errorf("qemu-img convert failed: %w", err)
	}
	return dstPath, nil
}

// convertToVHD produces a fixed-subformat VHD whose virtual size is rounded
// up to a whole MiB. Azure rejects page blobs that are not MiB-aligned, so
// the image goes through raw, gets resized, then converted with force_size.
// The raw intermediate is always a scratch copy: resizing the staged source
// in place would change the size a later resume re-validates against.
func (c *Converter) convertToVHD(ctx context.Context, srcPath string, srcFormat migrate.Format, dstPath string) error {
	rawPath := strings.TrimSuffix(dstPath, filepath.Ext(dstPath)) + ".raw"
	if srcFormat != migrate.FormatRaw {
		if _, err := common.RunCommand(ctx, "qemu-img", "convert", "-f", qemuFormat[srcFormat], "-O", "raw", srcPath, rawPath); err != nil {
			return fmt.Errorf("qemu-img convert to raw failed: %w", err)
		}
	} else if err := copyFile(srcPath, rawPath); err != nil {
		return err
	}
	defer os.Remove(rawPath)

	virtualSize, err := c.virtualSize(ctx, rawPath)
	if err != nil {
		return err
	}
	const mib = 1024 * 1024
	if rem := virtualSize % mib; rem != 0 {
		rounded := virtualSize + (mib - rem)
		c.logger.Debugf("Rounding virtual size %d -> %d for VHD alignment", virtualSize, rounded)
		if _, err := common.RunCommand(ctx, "qemu-img", "resize", "-f", "raw", rawPath, fmt.Sprintf("%d", rounded)); err != nil {
			return fmt.Errorf("qemu-img resize failed: %w", err)
		}
	}

	if _, err := common.RunCommand(ctx, "qemu-img", "convert", "-f", "raw",
		"-o", "subformat=fixed,force_size", "-O", "vpc", rawPath, dstPath); err != nil {
		return fmt.Errorf("qemu-img convert to vhd failed: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

// virtualSize reads the image's virtual size from qemu-img info.
func (c *Converter) virtualSize(ctx context.Context, path string) (int64, error) {
	out, err := common.RunCommand(ctx, "qemu-img", "info", path, "--output", "json")
	if err != nil {
		return 0, fmt.Errorf("qemu-img info failed: %w", err)
	}
	var info struct {
		VirtualSize int64 `json:"virtual-size"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return 0, fmt.Errorf("failed to parse qemu-img info output: %w", err)
	}
	return info.VirtualSize, nil
}
