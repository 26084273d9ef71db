package behavior

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/openrobobrain/orb/pkg/protocol"
)

// durationPattern matches "5秒", "5s", "2.5 seconds".
var durationPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:秒|sec(?:onds?)?|s\b)`)

// MatchRules maps an utterance onto the command vocabulary with
// keyword tables (Chinese and English). ok is false when no table
// entry applies; the caller falls through to its default reply.
//
// Manipulation verbs are checked before navigation so "去拿杯子"
// grasps the cup instead of navigating to it, and "倒退" is checked
// before "倒" so backing up never pours.
func MatchRules(utterance string) (*Result, bool) {
	raw := strings.TrimSpace(utterance)
	if raw == "" {
		return nil, false
	}
	lower := strings.ToLower(raw)
	zh := containsCJK(raw)

	motion := func() map[string]any {
		params := map[string]any{}
		if sp, ok := speedOf(lower); ok {
			params["speed"] = sp
		}
		if d, ok := durationOf(lower); ok {
			params["duration"] = d
		}
		return params
	}

	switch {
	case hasAny(lower, "停止", "停下", "站住", "别动", "停", "stop", "halt", "freeze"):
		return cmdResult("stop", pick(zh, "好的，马上停。", "Stopping."),
			CommandDraft{CommandType: protocol.CmdStop}), true

	case hasAny(lower, "原地", "spin"):
		typ := protocol.CmdSpinLeft
		if directionOf(lower) == "right" {
			typ = protocol.CmdSpinRight
		}
		return cmdResult("spin", pick(zh, "好的，原地转圈。", "Spinning."),
			CommandDraft{CommandType: typ, Parameters: motion()}), true

	case hasAny(lower, "转圈", "绕圈", "circle"):
		typ := protocol.CmdCircleLeft
		if directionOf(lower) == "right" {
			typ = protocol.CmdCircleRight
		}
		return cmdResult("circle", pick(zh, "好的，开始绕圈。", "Circling."),
			CommandDraft{CommandType: typ, Parameters: motion()}), true

	case hasAny(lower, "左转", "向左", "turn left"):
		return cmdResult("turn_left", pick(zh, "好的，向左转。", "Turning left."),
			CommandDraft{CommandType: protocol.CmdTurnLeft, Parameters: motion()}), true

	case hasAny(lower, "右转", "向右", "turn right"):
		return cmdResult("turn_right", pick(zh, "好的，向右转。", "Turning right."),
			CommandDraft{CommandType: protocol.CmdTurnRight, Parameters: motion()}), true

	case hasAny(lower, "前进", "向前", "往前", "forward", "go straight"):
		return cmdResult("forward", pick(zh, "好的，开始前进。", "Moving forward."),
			CommandDraft{CommandType: protocol.CmdForward, Parameters: motion()}), true

	case hasAny(lower, "后退", "倒退", "向后", "往后", "backward", "back up", "go back", "reverse"):
		return cmdResult("backward", pick(zh, "好的，开始后退。", "Backing up."),
			CommandDraft{CommandType: protocol.CmdBackward, Parameters: motion()}), true

	case hasAny(lower, "抓", "拿", "捡", "pick up", "grasp", "grab"):
		target := targetAfter(lower,
			"抓取", "抓住", "抓起", "抓", "拿起", "拿", "捡起", "捡",
			"pick up ", "grasp ", "grab ")
		reply := pick(zh, "好的，我来抓取。", "Okay, grasping it.")
		if target != "" {
			reply = pick(zh,
				fmt.Sprintf("好的，我去拿%s。", target),
				fmt.Sprintf("Okay, grabbing the %s.", target))
		}
		return cmdResult("grasp", reply,
			CommandDraft{CommandType: protocol.CmdGrasp, Parameters: targetParams(target)}), true

	case hasAny(lower, "放下", "放", "put down", "place", "put it"):
		target := targetAfter(lower, "放下", "放", "put down ", "place ")
		return cmdResult("place", pick(zh, "好的，我把它放下。", "Okay, putting it down."),
			CommandDraft{CommandType: protocol.CmdPlace, Parameters: targetParams(target)}), true

	case hasAny(lower, "倒", "pour"):
		target := targetAfter(lower, "倒", "pour ")
		return cmdResult("pour", pick(zh, "好的，开始倒。", "Okay, pouring."),
			CommandDraft{CommandType: protocol.CmdPour, Parameters: targetParams(target)}), true

	case hasAny(lower, "去", "走到", "go to", "navigate to", "head to"):
		target := targetAfter(lower, "去", "走到", "go to ", "navigate to ", "head to ")
		reply := pick(zh, "好的，这就出发。", "Okay, on my way.")
		params := motion()
		if target != "" {
			params["target"] = target
			reply = pick(zh,
				fmt.Sprintf("好的，我这就去%s。", target),
				fmt.Sprintf("Okay, heading to the %s.", target))
		}
		return cmdResult("navigate", reply,
			CommandDraft{CommandType: protocol.CmdNavigate, Parameters: params}), true

	case hasAny(lower, "巡逻", "patrol"):
		return cmdResult("patrol", pick(zh, "好的，开始巡逻。", "Starting patrol."),
			CommandDraft{CommandType: protocol.CmdPatrol, Parameters: motion()}), true

	case hasAny(lower, "打扫", "清扫", "清洁", "clean", "sweep"):
		return cmdResult("clean", pick(zh, "好的，开始打扫。", "Starting to clean."),
			CommandDraft{CommandType: protocol.CmdClean, Parameters: motion()}), true

	case hasAny(lower, "你好", "您好", "嗨", "早上好", "晚上好", "hello", "good morning", "good evening") ||
		hasWord(lower, "hi", "hey", "yo"):
		return &Result{
			ChatResponse: pick(zh, "你好！我能帮你做什么？", "Hello! What can I do for you?"),
			Steps:        []string{"rule:greeting"},
			Mode:         ModeRule,
		}, true

	case hasAny(lower, "再见", "拜拜", "晚安", "goodbye", "see you", "good night") ||
		hasWord(lower, "bye"):
		return &Result{
			ChatResponse: pick(zh, "再见！需要我的时候再叫我。", "Goodbye! Call me when you need me."),
			Steps:        []string{"rule:farewell"},
			Mode:         ModeRule,
		}, true
	}
	return nil, false
}

func cmdResult(name, reply string, draft CommandDraft) *Result {
	return &Result{
		ChatResponse: reply,
		Commands:     []CommandDraft{draft},
		Steps:        []string{"rule:" + name},
		Mode:         ModeRule,
	}
}

func pick(zh bool, zhText, enText string) string {
	if zh {
		return zhText
	}
	return enText
}

func targetParams(target string) map[string]any {
	if target == "" {
		return nil
	}
	return map[string]any{"target": target}
}

func hasAny(s string, keys ...string) bool {
	for _, k := range keys {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// hasWord matches short tokens that would false-positive as
// substrings ("hi" inside "this").
func hasWord(s string, words ...string) bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, f := range fields {
		for _, w := range words {
			if f == w {
				return true
			}
		}
	}
	return false
}

func containsCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

func speedOf(s string) (string, bool) {
	switch {
	case hasAny(s, "非常慢", "很慢", "very slow"):
		return "very_slow", true
	case hasAny(s, "慢", "slow"):
		return "slow", true
	case hasAny(s, "非常快", "很快", "very fast"):
		return "very_fast", true
	case hasAny(s, "快", "fast", "quick"):
		return "fast", true
	}
	return "", false
}

func durationOf(s string) (float64, bool) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func directionOf(s string) string {
	switch {
	case hasAny(s, "左", "left"):
		return "left"
	case hasAny(s, "右", "right"):
		return "right"
	}
	return ""
}

// targetAfter returns the cleaned text following the first keyword
// that occurs in s.
func targetAfter(s string, keys ...string) string {
	for _, k := range keys {
		i := strings.Index(s, k)
		if i < 0 {
			continue
		}
		return cleanTarget(s[i+len(k):])
	}
	return ""
}

var targetParticles = []string{"the ", "那个", "这个", "一下", "个", "到", "起", "住", "至"}

func cleanTarget(t string) string {
	t = strings.TrimSpace(t)
	t = durationPattern.ReplaceAllString(t, "")
	for changed := true; changed; {
		changed = false
		for _, p := range targetParticles {
			if strings.HasPrefix(t, p) {
				t = strings.TrimPrefix(t, p)
				changed = true
			}
		}
	}
	return strings.Trim(t, " 。，！？!?,.了吧啊")
}
