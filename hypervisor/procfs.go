package hypervisor

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"

	"github.com/open-xen-project/qmemmand/qmemman"
)

// ProcfsHypervisor is a read-only fallback Hypervisor backend for
// development/test environments without an actual Xen host: it reports
// host-wide memory figures from /proc/meminfo and never returns any
// guest domains, so SystemState simply tracks none. SetMemTarget is a
// no-op that always succeeds, matching how a transient hypervisor error
// is swallowed elsewhere in this daemon.
type ProcfsHypervisor struct {
	fs procfs.FS
}

// NewProcfsHypervisor opens the procfs mount at mountPoint (typically
// "/proc").
func NewProcfsHypervisor(mountPoint string) (*ProcfsHypervisor, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, errors.Wrap(err, "open procfs")
	}
	return &ProcfsHypervisor{fs: fs}, nil
}

func (p *ProcfsHypervisor) FreeMemoryKiB(ctx context.Context) (uint64, error) {
	mi, err := p.fs.Meminfo()
	if err != nil {
		return 0, errors.Wrap(err, "read /proc/meminfo")
	}
	if mi.MemFree == nil {
		return 0, errors.New("meminfo: MemFree not reported")
	}
	return *mi.MemFree, nil
}

func (p *ProcfsHypervisor) TotalMemoryKiB(ctx context.Context) (uint64, error) {
	mi, err := p.fs.Meminfo()
	if err != nil {
		return 0, errors.Wrap(err, "read /proc/meminfo")
	}
	if mi.MemTotal == nil {
		return 0, errors.New("meminfo: MemTotal not reported")
	}
	return *mi.MemTotal, nil
}

// ListDomains always returns no domains: without a real hypervisor there
// is nothing to balance against, only the host's own free/total figures
// are meaningful.
func (p *ProcfsHypervisor) ListDomains(ctx context.Context) ([]qmemman.DomainInfo, error) {
	return nil, nil
}

func (p *ProcfsHypervisor) SetMemTarget(ctx context.Context, id int, ceilingKiB, targetKiB uint64) error {
	return nil
}
