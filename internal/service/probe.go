package service

import (
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// workerAlive reports whether pid is a live worker process for jobID. The
// command line is checked so a recycled PID belonging to an unrelated
// process is not mistaken for our worker.
func workerAlive(pid int32, jobID string) bool {
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	if err != nil || !running {
		return false
	}
	return cmdlineMatches(p, jobID)
}

func cmdlineMatches(p *process.Process, jobID string) bool {
	args, err := p.CmdlineSlice()
	if err != nil {
		return false
	}
	var hasWorker, hasJob bool
	for _, arg := range args {
		if arg == "worker" {
			hasWorker = true
		}
		if strings.Contains(arg, jobID) {
			hasJob = true
		}
	}
	return hasWorker && hasJob
}

// findWorkerPIDs scans the process table for workers of the given job.
func findWorkerPIDs(jobID string) []int32 {
	procs, err := process.Processes()
	if err != nil {
		return nil
	}
	var pids []int32
	for _, p := range procs {
		if cmdlineMatches(p, jobID) {
			pids = append(pids, p.Pid)
		}
	}
	return pids
}

// killWorkers terminates every worker of the job, escalating from
// terminate to kill. Returns the number of processes acted on.
func killWorkers(jobID string) int {
	killed := 0
	for _, pid := range findWorkerPIDs(jobID) {
		p, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		if err := p.Terminate(); err == nil {
			time.Sleep(1500 * time.Millisecond)
		}
		if running, _ := p.IsRunning(); running {
			_ = p.Kill()
		}
		killed++
	}
	return killed
}
