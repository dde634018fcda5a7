package worker

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"

	"github.com/mengeric/simjob-worker/logging"
)

// ErrInterrupted 进程收到停止信号；context.Cause 返回包装了信号名的该错误。
var ErrInterrupted = errors.New("worker interrupted")

// ShutdownContext 收到 SIGINT/SIGTERM（或 signals 指定的信号）时取消返回的 ctx。
// 第一次信号只阻止新周期开始，当前批次照常落终态；之后的信号仅记录日志。
// stop 解除信号监听并以 context.Canceled 取消 ctx，可重复调用。
func ShutdownContext(parent context.Context, signals ...os.Signal) (ctx context.Context, stop func()) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	ctx, cancel := context.WithCancelCause(parent)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, signals...)
	done := make(chan struct{})

	go func() {
		received := false
		for {
			select {
			case sig := <-ch:
				if received {
					logging.L().Warn(ctx, "shutdown already in progress", "signal", sig.String())
					continue
				}
				received = true
				logging.L().Warn(ctx, "stop signal received; waiting for the current batch", "signal", sig.String())
				cancel(errors.Wrapf(ErrInterrupted, "signal %s", sig))
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
			cancel(context.Canceled)
		})
	}
}
