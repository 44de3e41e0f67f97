package loans

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/width"
)

const TagPrefix = "ICH-"

var (
	classNameRe  = regexp.MustCompile(`^(\d{1,2})-(\d{1,2})$`)
	canonicalRe  = regexp.MustCompile(`^ICH-?(\d)(\d{2})(\d{2})$`)
	hyphenatedRe = regexp.MustCompile(`^(\d)-(\d{1,2})-(\d{1,2})$`)
)

// 全角数字/连字符（如 "２－１"）先折成半角
func fold(s string) string {
	s = width.Narrow.String(strings.TrimSpace(s))
	return strings.NewReplacer("−", "-", "‐", "-", "–", "-").Replace(s)
}

// ParseClassName 解析 "<年级>-<班级>"
func ParseClassName(className string) (grade, class int, err error) {
	m := classNameRe.FindStringSubmatch(fold(className))
	if m == nil {
		return 0, 0, ErrValidation("cannot resolve device: class name %q must look like <grade>-<class>", className)
	}
	grade, _ = strconv.Atoi(m[1])
	class, _ = strconv.Atoi(m[2])
	if grade < 1 || grade > 9 {
		return 0, 0, ErrValidation("cannot resolve device: grade %d out of range 1-9", grade)
	}
	if class < 1 || class > 99 {
		return 0, 0, ErrValidation("cannot resolve device: class %d out of range 1-99", class)
	}
	return grade, class, nil
}

// CanonicalClassName "2-01" / "２-１" → "2-1"
func CanonicalClassName(className string) (string, error) {
	g, c, err := ParseClassName(className)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%d", g, c), nil
}

// Resolve maps a class and seat number to its asset tag, e.g. ("2-1", 5) -> "ICH-20105".
func Resolve(className string, slot int) (string, error) {
	g, c, err := ParseClassName(className)
	if err != nil {
		return "", err
	}
	return tagFor(g, c, slot)
}

func tagFor(grade, class, slot int) (string, error) {
	if slot < 1 || slot > 99 {
		return "", ErrValidation("cannot resolve device: slot %d must be between 1 and 99", slot)
	}
	return fmt.Sprintf("%s%d%02d%02d", TagPrefix, grade, class, slot), nil
}

// NormalizeTag accepts either the canonical form (ICH-20105, case-insensitive,
// dash optional) or the hyphenated grade-class-slot form (2-1-5).
func NormalizeTag(raw string) (string, error) {
	s := strings.ToUpper(fold(raw))
	if m := canonicalRe.FindStringSubmatch(s); m != nil {
		g, _ := strconv.Atoi(m[1])
		c, _ := strconv.Atoi(m[2])
		slot, _ := strconv.Atoi(m[3])
		if g < 1 || c < 1 {
			return "", ErrValidation("cannot resolve device: %q has a zero grade or class", raw)
		}
		return tagFor(g, c, slot)
	}
	if m := hyphenatedRe.FindStringSubmatch(s); m != nil {
		slot, _ := strconv.Atoi(m[3])
		return Resolve(m[1]+"-"+m[2], slot)
	}
	return "", ErrValidation("cannot resolve device: unrecognised device tag %q", raw)
}

// ClassOfTag ICH-20105 → "2-1"
func ClassOfTag(tag string) (string, error) {
	canon, err := NormalizeTag(tag)
	if err != nil {
		return "", err
	}
	m := canonicalRe.FindStringSubmatch(canon)
	g, _ := strconv.Atoi(m[1])
	c, _ := strconv.Atoi(m[2])
	return fmt.Sprintf("%d-%d", g, c), nil
}
