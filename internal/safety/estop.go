// Package safety implements ZeroClaw's emergency-stop state machine, TOTP
// resume authorization, and domain gating used to block outbound traffic to
// sensitive destinations.
package safety

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	. "github.com/zveroz/zeroclaw/internal/logging"
)

// Level selects which e-stop dimension an Engage call affects.
type Level int

const (
	KillAll Level = iota
	NetworkKill
	DomainBlock
	ToolFreeze
)

// EstopState is the full persisted e-stop state.
type EstopState struct {
	KillAll        bool      `json:"kill_all"`
	NetworkKill    bool      `json:"network_kill"`
	BlockedDomains []string  `json:"blocked_domains"`
	FrozenTools    []string  `json:"frozen_tools"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FailClosed returns the state a corrupt or unreadable persistence file is
// replaced with: everything locked down.
func FailClosed() EstopState {
	return EstopState{KillAll: true, UpdatedAt: time.Now().UTC()}
}

// IsEngaged reports whether any of the four e-stop conditions holds.
func (s EstopState) IsEngaged() bool {
	return s.KillAll || s.NetworkKill || len(s.BlockedDomains) > 0 || len(s.FrozenTools) > 0
}

var toolNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Estop guards EstopState with a persisted, atomically-written file.
type Estop struct {
	mu        sync.Mutex
	state     EstopState
	statePath string
	matcher   *DomainMatcher
}

// Open loads the e-stop state from statePath. A missing file yields an
// empty (disengaged) state; a corrupt or unreadable file fails closed and
// immediately persists that fail-closed state so the lockdown survives a
// crash loop.
func Open(statePath string, matcher *DomainMatcher) (*Estop, error) {
	e := &Estop{statePath: statePath, matcher: matcher}

	data, err := os.ReadFile(statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return e, nil
		}
		L_error("estop: failed to read state file, failing closed", "error", err)
		e.state = FailClosed()
		if perr := e.persist(); perr != nil {
			return nil, fmt.Errorf("estop: failed to persist fail-closed state: %w", perr)
		}
		return e, nil
	}

	var state EstopState
	if err := json.Unmarshal(data, &state); err != nil {
		L_error("estop: failed to parse state file, failing closed", "error", err)
		e.state = FailClosed()
		if perr := e.persist(); perr != nil {
			return nil, fmt.Errorf("estop: failed to persist fail-closed state: %w", perr)
		}
		return e, nil
	}

	e.state = state
	return e, nil
}

// State returns a copy of the current state.
func (e *Estop) State() EstopState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsEngaged reports whether any e-stop condition currently holds.
func (e *Estop) IsEngaged() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.IsEngaged()
}

// Engage applies one e-stop transition. patterns/tools are only consulted
// for DomainBlock/ToolFreeze respectively.
func (e *Estop) Engage(level Level, patterns []string, tools []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch level {
	case KillAll:
		e.state.KillAll = true
	case NetworkKill:
		e.state.NetworkKill = true
	case DomainBlock:
		for _, p := range patterns {
			if err := e.matcher.Validate(p); err != nil {
				return fmt.Errorf("estop: invalid domain pattern %q: %w", p, err)
			}
			e.state.BlockedDomains = append(e.state.BlockedDomains, strings.ToLower(p))
		}
	case ToolFreeze:
		for _, t := range tools {
			if t == "" || !toolNameRe.MatchString(t) {
				return fmt.Errorf("estop: invalid tool name %q", t)
			}
			e.state.FrozenTools = append(e.state.FrozenTools, strings.ToLower(t))
		}
	default:
		return fmt.Errorf("estop: unknown level %d", level)
	}

	e.normalizeAndStamp()
	if err := e.persist(); err != nil {
		return err
	}
	L_warn("estop: engaged", "level", level, "patterns", patterns, "tools", tools)
	return nil
}

// ResumeSelector chooses which e-stop conditions a Resume call clears.
type ResumeSelector struct {
	KillAll        bool
	NetworkKill    bool
	DomainPatterns []string // clears only these entries from BlockedDomains
	Tools          []string // clears only these entries from FrozenTools
}

// ResumeValidator is the interface Resume uses when OTP is required;
// *OTPValidator satisfies it.
type ResumeValidator interface {
	Validate(code string) bool
}

// Resume clears the selected e-stop bits/items. When requireOTP is true,
// code and validator must both be non-empty/non-nil, and validation must
// succeed, or the resume is aborted with a distinct error.
func (e *Estop) Resume(selector ResumeSelector, requireOTP bool, code string, validator ResumeValidator) error {
	if requireOTP {
		if validator == nil {
			return fmt.Errorf("estop: OTP required but no validator configured")
		}
		if !validator.Validate(code) {
			return fmt.Errorf("estop: OTP validation failed, resume aborted")
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if selector.KillAll {
		e.state.KillAll = false
	}
	if selector.NetworkKill {
		e.state.NetworkKill = false
	}
	if len(selector.DomainPatterns) > 0 {
		e.state.BlockedDomains = removeAll(e.state.BlockedDomains, selector.DomainPatterns)
	}
	if len(selector.Tools) > 0 {
		e.state.FrozenTools = removeAll(e.state.FrozenTools, selector.Tools)
	}

	e.normalizeAndStamp()
	if err := e.persist(); err != nil {
		return err
	}
	L_info("estop: resumed", "killAll", selector.KillAll, "networkKill", selector.NetworkKill,
		"domainPatterns", selector.DomainPatterns, "tools", selector.Tools)
	return nil
}

func removeAll(list []string, remove []string) []string {
	toRemove := make(map[string]bool, len(remove))
	for _, r := range remove {
		toRemove[strings.ToLower(r)] = true
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if !toRemove[v] {
			out = append(out, v)
		}
	}
	return out
}

// normalizeAndStamp sorts+dedups both lists and refreshes UpdatedAt. Caller
// must hold e.mu.
func (e *Estop) normalizeAndStamp() {
	e.state.BlockedDomains = sortDedup(e.state.BlockedDomains)
	e.state.FrozenTools = sortDedup(e.state.FrozenTools)
	e.state.UpdatedAt = time.Now().UTC()
}

func sortDedup(list []string) []string {
	if len(list) == 0 {
		return list
	}
	sort.Strings(list)
	out := list[:1]
	for _, v := range list[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// persist atomically writes the current state to e.statePath. Caller must
// hold e.mu.
func (e *Estop) persist() error {
	data, err := json.Marshal(e.state)
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.tmp-%s", e.statePath, uuid.NewString())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, e.statePath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
