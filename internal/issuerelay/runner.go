package issuerelay

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// CommandRunner starts the coding agent as a child process rooted in the
// tenant's working copy. The child gets its own process group so Stop can
// terminate the whole agent tree, not just the immediate child.
type CommandRunner struct {
	Command string
	Args    []string
	Env     []string
	Logf    func(format string, args ...any)
}

func (r *CommandRunner) Start(ctx context.Context, repo RepositoryConfig, session Session) (RunnerHandle, error) {
	command := strings.TrimSpace(r.Command)
	if command == "" {
		return nil, fmt.Errorf("%w: agent command is required", ErrInvalidInput)
	}
	if strings.TrimSpace(repo.RepositoryPath) == "" {
		return nil, fmt.Errorf("%w: repository path is required", ErrInvalidInput)
	}
	logf := r.Logf
	if logf == nil {
		logf = log.Printf
	}

	cmd := exec.Command(command, r.Args...)
	cmd.Dir = repo.RepositoryPath
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Env = append(cmd.Env,
		"ISSUERELAY_SESSION_ID="+session.ID,
		"ISSUERELAY_REPOSITORY_ID="+repo.ID,
		"ISSUERELAY_ISSUE_ID="+session.Issue.ID,
		"ISSUERELAY_ISSUE_IDENTIFIER="+session.Issue.Identifier,
		"ISSUERELAY_BASE_BRANCH="+repo.BaseBranch,
	)
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	logf("runner: started agent pid=%d session=%s repo=%s", cmd.Process.Pid, session.ID, repo.ID)

	handle := &commandHandle{
		cmd:      cmd,
		outcome:  make(chan RunOutcome, 1),
		waitDone: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		if err != nil {
			handle.outcome <- OutcomeFailed
		} else {
			handle.outcome <- OutcomeSucceeded
		}
		close(handle.waitDone)
	}()
	return handle, nil
}

type commandHandle struct {
	cmd      *exec.Cmd
	outcome  chan RunOutcome
	waitDone chan struct{}
	stopOnce sync.Once
}

func (h *commandHandle) Done() <-chan RunOutcome {
	return h.outcome
}

// Stop asks the agent's process group to terminate and escalates to a hard
// kill when ctx expires first.
func (h *commandHandle) Stop(ctx context.Context) error {
	var err error
	h.stopOnce.Do(func() {
		if termErr := terminateProcessGroup(h.cmd); termErr != nil {
			err = termErr
			return
		}
		select {
		case <-h.waitDone:
		case <-ctx.Done():
			_ = killProcessGroup(h.cmd)
			<-h.waitDone
			err = ctx.Err()
		}
	})
	return err
}
