// Package hypervisor provides Hypervisor implementations for qmemman.State:
// an xl-CLI-backed implementation for real Xen hosts, and a procfs-backed
// read-only fallback for development environments without Xen.
package hypervisor

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/open-xen-project/qmemmand/qmemman"
)

// XLHypervisor drives the Xen toolstack via the xl command-line tool,
// following the established pack idiom of wrapping an external binary
// with os/exec rather than linking against a C library.
type XLHypervisor struct {
	binary string
	log    *logrus.Entry
}

// NewXLHypervisor constructs an XLHypervisor. binary defaults to "xl" if
// empty (resolved via $PATH).
func NewXLHypervisor(binary string, log *logrus.Entry) *XLHypervisor {
	if binary == "" {
		binary = "xl"
	}
	return &XLHypervisor{binary: binary, log: log}
}

func (x *XLHypervisor) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, x.binary, args...)
	out, err := cmd.Output()
	if err != nil {
		return "", errors.Wrapf(err, "xl %s", strings.Join(args, " "))
	}
	return string(out), nil
}

// FreeMemoryKiB parses `xl info`'s free_memory field (reported in MiB by
// xl; converted to KiB here).
func (x *XLHypervisor) FreeMemoryKiB(ctx context.Context) (uint64, error) {
	mib, err := x.infoField(ctx, "free_memory")
	if err != nil {
		return 0, err
	}
	return mib * 1024, nil
}

// TotalMemoryKiB parses `xl info`'s total_memory field (MiB, converted to
// KiB).
func (x *XLHypervisor) TotalMemoryKiB(ctx context.Context) (uint64, error) {
	mib, err := x.infoField(ctx, "total_memory")
	if err != nil {
		return 0, err
	}
	return mib * 1024, nil
}

func (x *XLHypervisor) infoField(ctx context.Context, field string) (uint64, error) {
	out, err := x.run(ctx, "info")
	if err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) != field {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "parse xl info field %s", field)
		}
		return v, nil
	}
	return 0, errors.Errorf("xl info: field %s not found", field)
}

// ListDomains parses the tabular output of `xl list` into DomainInfo
// records. The table's second column is Id, third is Mem (reported in MiB
// by xl, converted to KiB here).
func (x *XLHypervisor) ListDomains(ctx context.Context) ([]qmemman.DomainInfo, error) {
	out, err := x.run(ctx, "list")
	if err != nil {
		return nil, err
	}

	var infos []qmemman.DomainInfo
	scanner := bufio.NewScanner(strings.NewReader(out))
	first := true
	for scanner.Scan() {
		if first {
			first = false // header row: "Name  ID  Mem  VCPUs  State  Time(s)"
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		memMiB, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			continue
		}
		infos = append(infos, qmemman.DomainInfo{
			ID:       id,
			MemKiB:   memMiB * 1024,
			HasDomid: true,
		})
	}
	return infos, nil
}

// SetMemTarget issues `xl mem-max` followed by `xl mem-set`, mirroring the
// order the original daemon's libxc calls use (grow the ceiling before
// asking for a target that might exceed the previous one).
func (x *XLHypervisor) SetMemTarget(ctx context.Context, id int, ceilingKiB, targetKiB uint64) error {
	domStr := strconv.Itoa(id)

	if _, err := x.run(ctx, "mem-max", domStr, strconv.FormatUint(ceilingKiB, 10)); err != nil {
		x.log.WithError(err).WithField("domain", id).Debug("xl mem-max failed (likely a teardown race)")
	}
	if _, err := x.run(ctx, "mem-set", domStr, strconv.FormatUint(targetKiB, 10)); err != nil {
		return errors.Wrapf(err, "xl mem-set domain %d", id)
	}
	return nil
}
