package procfs

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

type ProcessState string

const (
	Running        = ProcessState("running")
	Sleeping       = ProcessState("sleeping")
	WaitingForDisk = ProcessState("waiting for disk")
	Zombie         = ProcessState("zombie")
	TracingStop    = ProcessState("tracing stop")
	Dead           = ProcessState("dead")
	Idle           = ProcessState("idle")
)

func toProcessState(letter string) ProcessState {
	switch letter {
	case "R":
		return Running
	case "S":
		return Sleeping
	case "D":
		return WaitingForDisk
	case "Z":
		return Zombie
	case "t":
		return TracingStop
	case "X":
		return Dead
	case "I":
		return Idle
	}
	return ProcessState("")
}

type ProcessStatus struct {
	Pid   int
	Comm  string
	State ProcessState
	Ppid  int
	Pgrp  int

	// NOTE: See man page for the full list of (52) fields.
}

// parseStat handles both /proc/<pid>/stat and /proc/<pid>/task/<tid>/stat
// since tasks use the same format.
func parseStat(content string) ProcessStatus {
	// comm is surrounded by parentheses and may itself contain both spaces
	// and parentheses.
	commStart := strings.Index(content, "(")
	commEnd := strings.LastIndex(content, ")")

	chunks := strings.Split(content[commEnd+2:], " ")

	pid, err := strconv.Atoi(strings.TrimSpace(content[:commStart]))
	if err != nil {
		panic("should never happen: " + err.Error())
	}

	ppid, err := strconv.Atoi(chunks[1])
	if err != nil {
		panic("should never happen: " + err.Error())
	}

	pgrp, err := strconv.Atoi(chunks[2])
	if err != nil {
		panic("should never happen: " + err.Error())
	}

	return ProcessStatus{
		Pid:   pid,
		Comm:  content[commStart+1 : commEnd],
		State: toProcessState(chunks[0]),
		Ppid:  ppid,
		Pgrp:  pgrp,
	}
}

func GetProcessStatus(pid int) (ProcessStatus, error) {
	contentBytes, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return ProcessStatus{}, fmt.Errorf(
			"failed to read process %d status: %w",
			pid,
			err)
	}

	return parseStat(string(contentBytes)), nil
}

// TaskDirPath returns the procfs directory backing a single thread of the
// process.  The directory only exists while tid is a live thread of pid,
// so holding it open pins the thread identity.
func TaskDirPath(pid int, tid int) string {
	return fmt.Sprintf("/proc/%d/task/%d", pid, tid)
}

// GetTaskStatus reads the per-thread stat entry.  A thread that belongs to
// a different process (or does not exist) fails the read since the task
// directory is only populated for the owning process.
func GetTaskStatus(pid int, tid int) (ProcessStatus, error) {
	contentBytes, err := os.ReadFile(TaskDirPath(pid, tid) + "/stat")
	if err != nil {
		return ProcessStatus{}, fmt.Errorf(
			"failed to read thread %d status of process %d: %w",
			tid,
			pid,
			err)
	}

	return parseStat(string(contentBytes)), nil
}

// ListTasks returns the thread ids of the process in ascending order.
func ListTasks(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf(
			"failed to list threads of process %d: %w",
			pid,
			err)
	}

	tids := make([]int, 0, len(entries))
	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			panic("should never happen: " + err.Error())
		}
		tids = append(tids, tid)
	}

	sort.Ints(tids)
	return tids, nil
}

type MappedMemoryRegion struct {
	LowAddress  uint64
	HighAddress uint64

	Read    bool
	Write   bool
	Execute bool
	Private bool // (copy on write)

	Offset uint64

	DeviceMajor uint
	DeviceMinor uint
	Inode       uint

	Pathname string
}

func (region MappedMemoryRegion) Contains(addr uint64) bool {
	return region.LowAddress <= addr && addr < region.HighAddress
}

func GetMappedMemoryRegions(pid int) ([]MappedMemoryRegion, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	result := []MappedMemoryRegion{}
	for _, line := range strings.Split(string(content), "\n") {
		if line == "" {
			break
		}

		entry := MappedMemoryRegion{}
		chunks := strings.SplitN(line, " ", 6)

		addresses := strings.SplitN(chunks[0], "-", 2)

		lowAddr, err := strconv.ParseUint(addresses[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse low address: %w", err)
		}
		entry.LowAddress = lowAddr

		highAddr, err := strconv.ParseUint(addresses[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse high address: %w", err)
		}
		entry.HighAddress = highAddr

		for idx, b := range []byte(chunks[1]) {
			switch idx {
			case 0:
				entry.Read = b == 'r'
			case 1:
				entry.Write = b == 'w'
			case 2:
				entry.Execute = b == 'x'
			case 3:
				entry.Private = b == 'p'
			}
		}

		offset, err := strconv.ParseUint(chunks[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse offset: %w", err)
		}
		entry.Offset = offset

		device := strings.SplitN(chunks[3], ":", 2)

		major, err := strconv.ParseUint(device[0], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse device major: %w", err)
		}
		entry.DeviceMajor = uint(major)

		minor, err := strconv.ParseUint(device[1], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse device minor: %w", err)
		}
		entry.DeviceMinor = uint(minor)

		inode, err := strconv.ParseUint(chunks[4], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse inode: %w", err)
		}
		entry.Inode = uint(inode)

		if len(chunks) == 6 {
			entry.Pathname = strings.TrimSpace(chunks[5])
		}

		result = append(result, entry)
	}

	return result, nil
}

// RegionContaining returns the mapped region covering addr, or nil.
func RegionContaining(
	regions []MappedMemoryRegion,
	addr uint64,
) *MappedMemoryRegion {
	for idx := range regions {
		if regions[idx].Contains(addr) {
			return &regions[idx]
		}
	}
	return nil
}
