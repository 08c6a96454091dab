package app

import (
	"strings"

	"github.com/carlcord/voice/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case MarkSlow:
		return "mark_slow"
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	}
	return "none"
}

// ParseBackpressureAction maps a config value; unknown values fall back to kick.
func ParseBackpressureAction(s string) BackpressureAction {
	switch strings.ToLower(s) {
	case "drop":
		return DropFrame
	case "none":
		return NoAction
	case "mark_slow":
		return MarkSlow
	}
	return KickMember
}

type Policy interface {
	OnBackPressure(ch core.ChannelService, member core.MemberSession) BackpressureAction
}

// SimplePolicy applies one action to every slow member.
type SimplePolicy struct {
	Action BackpressureAction
}

func (p SimplePolicy) OnBackPressure(core.ChannelService, core.MemberSession) BackpressureAction {
	return p.Action
}
