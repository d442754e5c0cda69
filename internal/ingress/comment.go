package ingress

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcdecoded/govcore/internal/errs"
)

// SignComment is a parsed /governance-sign command.
type SignComment struct {
	SignatureHex string
	Reason       string
}

// VetoComment is a parsed /governance-veto command.
type VetoComment struct {
	SignatureHex string
	Class        string // "mining" | "economic"
	WeightBps    int
	Path         string
}

// EmergencyComment is a parsed /emergency-activate command.
type EmergencyComment struct {
	SignatureHex string
}

// OverrideComment is a parsed /governance-override command: a maintainer's
// signed release of the veto gate.
type OverrideComment struct {
	SignatureHex string
}

func firstNonBlankLine(body string) (string, bool) {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			return trimmed, true
		}
	}
	return "", false
}

// ParseSignComment parses "/governance-sign <hex> [--reason <text up to 512 bytes>]".
func ParseSignComment(body string) (*SignComment, error) {
	line, ok := firstNonBlankLine(body)
	if !ok || !strings.HasPrefix(line, "/governance-sign ") {
		return nil, errs.New(errs.KindParseError, "not a /governance-sign command")
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, "/governance-sign "))

	sigHex, remainder, _ := strings.Cut(rest, " --reason ")
	sigHex = strings.TrimSpace(sigHex)
	if sigHex == "" {
		return nil, errs.New(errs.KindParseError, "missing signature hex")
	}

	reason := strings.TrimSpace(remainder)
	if len(reason) > 512 {
		return nil, errs.New(errs.KindParseError, "reason exceeds 512 bytes")
	}
	return &SignComment{SignatureHex: sigHex, Reason: reason}, nil
}

// ParseVetoComment parses
// "/governance-veto <hex> --class mining|economic --weight <0..10000 bps> --path <derivation>".
func ParseVetoComment(body string) (*VetoComment, error) {
	line, ok := firstNonBlankLine(body)
	if !ok || !strings.HasPrefix(line, "/governance-veto ") {
		return nil, errs.New(errs.KindParseError, "not a /governance-veto command")
	}
	fields := strings.Fields(strings.TrimPrefix(line, "/governance-veto "))
	if len(fields) == 0 {
		return nil, errs.New(errs.KindParseError, "missing signature hex")
	}

	out := &VetoComment{SignatureHex: fields[0]}
	args := fields[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--class":
			if i+1 >= len(args) {
				return nil, errs.New(errs.KindParseError, "--class requires a value")
			}
			i++
			if args[i] != "mining" && args[i] != "economic" {
				return nil, errs.New(errs.KindParseError, fmt.Sprintf("unknown voter class %q", args[i]))
			}
			out.Class = args[i]
		case "--weight":
			if i+1 >= len(args) {
				return nil, errs.New(errs.KindParseError, "--weight requires a value")
			}
			i++
			bps, err := strconv.Atoi(args[i])
			if err != nil || bps < 0 || bps > 10000 {
				return nil, errs.New(errs.KindParseError, "--weight must be an integer in [0, 10000]")
			}
			out.WeightBps = bps
		case "--path":
			if i+1 >= len(args) {
				return nil, errs.New(errs.KindParseError, "--path requires a value")
			}
			i++
			out.Path = args[i]
		default:
			return nil, errs.New(errs.KindParseError, fmt.Sprintf("unknown veto argument %q", args[i]))
		}
	}
	if out.Class == "" {
		return nil, errs.New(errs.KindParseError, "--class is required")
	}
	return out, nil
}

// ParseOverrideComment parses "/governance-override <hex>".
func ParseOverrideComment(body string) (*OverrideComment, error) {
	line, ok := firstNonBlankLine(body)
	if !ok || !strings.HasPrefix(line, "/governance-override ") {
		return nil, errs.New(errs.KindParseError, "not a /governance-override command")
	}
	sigHex := strings.TrimSpace(strings.TrimPrefix(line, "/governance-override "))
	if sigHex == "" {
		return nil, errs.New(errs.KindParseError, "missing signature hex")
	}
	return &OverrideComment{SignatureHex: sigHex}, nil
}

// ParseEmergencyComment parses "/emergency-activate <hex>".
func ParseEmergencyComment(body string) (*EmergencyComment, error) {
	line, ok := firstNonBlankLine(body)
	if !ok || !strings.HasPrefix(line, "/emergency-activate ") {
		return nil, errs.New(errs.KindParseError, "not an /emergency-activate command")
	}
	sigHex := strings.TrimSpace(strings.TrimPrefix(line, "/emergency-activate "))
	if sigHex == "" {
		return nil, errs.New(errs.KindParseError, "missing signature hex")
	}
	return &EmergencyComment{SignatureHex: sigHex}, nil
}
