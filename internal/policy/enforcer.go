package policy

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra/auth"
)

// Enforcer: шлюз авторизации перед вызовом агента.
type Enforcer interface {
	Authorize(ac *auth.AccessContext, stage domain.Stage, resource, statement string) error
}

// CapabilityEnforcer сверяет требование стадии с правами токена.
// Призма, которой нет в токене, означает отсутствие доступа (Default Deny).
type CapabilityEnforcer struct{}

func (CapabilityEnforcer) Authorize(ac *auth.AccessContext, stage domain.Stage, resource, statement string) error {
	required, ok := Required(stage, statement)
	if !ok {
		return nil // Стадия не обращается к призме
	}
	if ac == nil {
		return fmt.Errorf("%w: no access context", domain.ErrPermissionDenied)
	}
	if resource == "" {
		return fmt.Errorf("%w: %s stage has no target prism", domain.ErrPermissionDenied, stage)
	}
	if granted := ac.Permission(resource); !granted.Satisfies(required) {
		return fmt.Errorf("%w: %s on %s requires %s, token grants %s",
			domain.ErrPermissionDenied, stage, resource, required, granted)
	}
	return nil
}

// Required: минимальный уровень доступа для стадии. false — стадия не трогает призму.
func Required(stage domain.Stage, statement string) (domain.Permission, bool) {
	switch stage {
	case domain.StageSchema:
		return domain.PermissionRead, true
	case domain.StageExecution:
		return Classify(statement), true
	default:
		return domain.PermissionNone, false
	}
}

var (
	readVerbs  = map[string]struct{}{"SELECT": {}, "WITH": {}, "SHOW": {}, "EXPLAIN": {}, "DESCRIBE": {}, "VALUES": {}}
	adminVerbs = map[string]struct{}{"CREATE": {}, "ALTER": {}, "DROP": {}, "TRUNCATE": {}, "GRANT": {}, "REVOKE": {}}
	dmlWords   = map[string]struct{}{"INSERT": {}, "UPDATE": {}, "DELETE": {}, "MERGE": {}}
)

// Classify определяет требуемый уровень для SQL. Для нескольких операторов
// берется максимум; пустой запрос требует write.
func Classify(statement string) domain.Permission {
	stmts := splitStatements(statement)
	if len(stmts) == 0 {
		return domain.PermissionWrite
	}
	level := domain.PermissionRead
	for _, words := range stmts {
		if p := classifyOne(words); p > level {
			level = p
		}
	}
	return level
}

func classifyOne(words []string) domain.Permission {
	verb := words[0]
	if _, ok := adminVerbs[verb]; ok {
		return domain.PermissionAdmin
	}
	if _, ok := readVerbs[verb]; !ok {
		return domain.PermissionWrite
	}
	// WITH ... DELETE (изменяющий CTE) и EXPLAIN ANALYZE UPDATE исполняют DML
	if verb == "WITH" || verb == "EXPLAIN" {
		for _, w := range words[1:] {
			if _, ok := dmlWords[w]; ok {
				return domain.PermissionWrite
			}
		}
	}
	return domain.PermissionRead
}

// splitStatements разбивает текст на операторы по ';' и возвращает их слова
// в верхнем регистре. Комментарии и строковые литералы пропускаются.
func splitStatements(sql string) [][]string {
	var (
		out   [][]string
		words []string
		word  strings.Builder
	)
	flushWord := func() {
		if word.Len() > 0 {
			words = append(words, strings.ToUpper(word.String()))
			word.Reset()
		}
	}
	flushStmt := func() {
		flushWord()
		if len(words) > 0 {
			out = append(out, words)
			words = nil
		}
	}

	rs := []rune(sql)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			flushWord()
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < len(rs) && rs[i+1] == '*':
			flushWord()
			i += 2
			for i+1 < len(rs) && !(rs[i] == '*' && rs[i+1] == '/') {
				i++
			}
			i++
		case r == '\'' || r == '"':
			flushWord()
			quote := r
			for i++; i < len(rs) && rs[i] != quote; i++ {
			}
		case r == ';':
			flushStmt()
		case unicode.IsLetter(r) || r == '_':
			word.WriteRune(r)
		default:
			flushWord()
		}
	}
	flushStmt()
	return out
}
