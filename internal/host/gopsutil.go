package host

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Open returns a gopsutil-backed Process for pid.
func Open(pid int32) (Process, error) {
	return OpenWithContext(context.Background(), pid)
}

// OpenWithContext is Open with a caller supplied context used for every
// subsequent query.
func OpenWithContext(ctx context.Context, pid int32) (Process, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, classify(ctx, pid, err)
	}
	return &psProcess{ctx: ctx, proc: proc}, nil
}

type psProcess struct {
	ctx  context.Context
	proc *process.Process

	// gopsutil keeps the CPU baseline inside proc without locking.
	cpuMu sync.Mutex

	memoMu    sync.Mutex
	memoDepth int
	memo      map[string]any
}

func (p *psProcess) PID() int32 {
	return p.proc.Pid
}

func (p *psProcess) IsRunning() (bool, error) {
	return memoized(p, "is_running", func() (bool, error) {
		running, err := p.proc.IsRunningWithContext(p.ctx)
		if err != nil {
			if p.vanished(err) {
				return false, nil
			}
			return false, err
		}
		return running, nil
	})
}

func (p *psProcess) Status() (string, error) {
	return memoized(p, "status", func() (string, error) {
		status, err := p.proc.StatusWithContext(p.ctx)
		if err != nil {
			return "", p.wrap(err)
		}
		return strings.Join(status, ","), nil
	})
}

func (p *psProcess) Username() (string, error) {
	return memoized(p, "username", func() (string, error) {
		name, err := p.proc.UsernameWithContext(p.ctx)
		if err != nil {
			if p.vanished(err) {
				return "", p.wrap(err)
			}
			// Users missing from the passwd database show as their uid.
			uids, uidErr := p.proc.UidsWithContext(p.ctx)
			if uidErr != nil || len(uids) == 0 {
				return "", p.wrap(err)
			}
			return strconv.FormatUint(uint64(uids[0]), 10), nil
		}
		if runtime.GOOS == "windows" {
			name = name[strings.LastIndex(name, `\`)+1:]
		}
		return name, nil
	})
}

func (p *psProcess) Name() (string, error) {
	return memoized(p, "name", func() (string, error) {
		name, err := p.proc.NameWithContext(p.ctx)
		return name, p.wrap(err)
	})
}

func (p *psProcess) Cmdline() ([]string, error) {
	return memoized(p, "cmdline", func() ([]string, error) {
		args, err := p.proc.CmdlineSliceWithContext(p.ctx)
		if err != nil {
			return nil, p.wrap(err)
		}
		return args, nil
	})
}

func (p *psProcess) CPUPercent() (float64, error) {
	return memoized(p, "cpu_percent", func() (float64, error) {
		p.cpuMu.Lock()
		defer p.cpuMu.Unlock()
		percent, err := p.proc.PercentWithContext(p.ctx, 0)
		return percent, p.wrap(err)
	})
}

func (p *psProcess) MemoryPercent() (float64, error) {
	return memoized(p, "memory_percent", func() (float64, error) {
		percent, err := p.proc.MemoryPercentWithContext(p.ctx)
		return float64(percent), p.wrap(err)
	})
}

func (p *psProcess) CreateTime() (time.Time, error) {
	return memoized(p, "create_time", func() (time.Time, error) {
		ms, err := p.proc.CreateTimeWithContext(p.ctx)
		if err != nil {
			return time.Time{}, p.wrap(err)
		}
		return time.UnixMilli(ms), nil
	})
}

// Attributes collects everything gopsutil offers in one oneshot scope.
// Fields the platform cannot provide are left empty.
func (p *psProcess) Attributes() (Attributes, error) {
	var attrs Attributes
	err := p.Oneshot(func() error {
		attrs.PID = p.proc.Pid

		var err error
		if attrs.Name, err = p.Name(); err != nil {
			return err
		}
		if attrs.CreateTime, err = p.CreateTime(); err != nil {
			return err
		}
		if attrs.Cmdline, err = p.Cmdline(); err != nil && IsNoSuchProcess(err) {
			return err
		}
		if attrs.Username, err = p.Username(); err != nil && IsNoSuchProcess(err) {
			return err
		}
		if attrs.Status, err = p.Status(); err != nil && IsNoSuchProcess(err) {
			return err
		}
		if attrs.CPUPercent, err = p.CPUPercent(); err != nil && IsNoSuchProcess(err) {
			return err
		}
		if attrs.MemoryPercent, err = p.MemoryPercent(); err != nil && IsNoSuchProcess(err) {
			return err
		}

		if ppid, err := p.proc.PpidWithContext(p.ctx); err == nil {
			attrs.PPID = ppid
		}
		if exe, err := p.proc.ExeWithContext(p.ctx); err == nil {
			attrs.Exe = exe
		}
		if cwd, err := p.proc.CwdWithContext(p.ctx); err == nil {
			attrs.Cwd = cwd
		}
		if terminal, err := p.proc.TerminalWithContext(p.ctx); err == nil {
			attrs.Terminal = terminal
		}
		if threads, err := p.proc.NumThreadsWithContext(p.ctx); err == nil {
			attrs.NumThreads = threads
		}
		if mem, err := p.proc.MemoryInfoWithContext(p.ctx); err == nil && mem != nil {
			attrs.RSSBytes = mem.RSS
			attrs.VMSBytes = mem.VMS
		}
		return nil
	})
	if err != nil {
		return Attributes{}, err
	}
	return attrs, nil
}

// Oneshot enables memoization of attribute reads for the duration of fn.
// Nested scopes share the outermost memo.
func (p *psProcess) Oneshot(fn func() error) error {
	p.memoMu.Lock()
	if p.memoDepth == 0 {
		p.memo = make(map[string]any)
	}
	p.memoDepth++
	p.memoMu.Unlock()

	defer func() {
		p.memoMu.Lock()
		p.memoDepth--
		if p.memoDepth == 0 {
			p.memo = nil
		}
		p.memoMu.Unlock()
	}()

	return fn()
}

func memoized[T any](p *psProcess, key string, fetch func() (T, error)) (T, error) {
	p.memoMu.Lock()
	if p.memo != nil {
		if cached, ok := p.memo[key]; ok {
			p.memoMu.Unlock()
			return cached.(T), nil
		}
	}
	p.memoMu.Unlock()

	value, err := fetch()
	if err != nil {
		return value, err
	}

	p.memoMu.Lock()
	if p.memo != nil {
		p.memo[key] = value
	}
	p.memoMu.Unlock()
	return value, nil
}

func (p *psProcess) wrap(err error) error {
	if err == nil {
		return nil
	}
	return classify(p.ctx, p.proc.Pid, err)
}

func (p *psProcess) vanished(err error) bool {
	return IsNoSuchProcess(classify(p.ctx, p.proc.Pid, err))
}

func classify(ctx context.Context, pid int32, err error) error {
	if errors.Is(err, ErrNoSuchProcess) {
		return err
	}
	if errors.Is(err, process.ErrorProcessNotRunning) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("pid %d: %w", pid, ErrNoSuchProcess)
	}
	if exists, existsErr := process.PidExistsWithContext(ctx, pid); existsErr == nil && !exists {
		return fmt.Errorf("pid %d: %w", pid, ErrNoSuchProcess)
	}
	return fmt.Errorf("pid %d: %w", pid, err)
}
