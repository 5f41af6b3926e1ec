package metadata

import (
	"strings"

	"apisurface/internal/dsl"
)

// NormalizeEntityName возвращает FQN ("module.name") по паре {module, entity}.
// Если module пустой, пытается найти уникальную сущность с таким именем среди всех модулей.
func NormalizeEntityName(entities map[string]*dsl.Entity, module, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	ml := strings.ToLower(strings.TrimSpace(module))
	nl := strings.ToLower(strings.TrimSpace(name))

	// 1) есть модуль — ищем точное/регистронезависимое совпадение FQN
	if ml != "" {
		if _, ok := entities[module+"."+name]; ok {
			return module + "." + name, true
		}
		for fqn := range entities {
			fm, fn, ok := strings.Cut(fqn, ".")
			if !ok || fm == "" {
				continue
			}
			if strings.ToLower(fm) == ml && strings.ToLower(fn) == nl {
				return fqn, true
			}
		}
		return "", false
	}

	// 2) модуля нет — ищем ИМЕННО ОДНО уникальное имя среди всех
	var found string
	for fqn := range entities {
		_, fn, ok := strings.Cut(fqn, ".")
		if !ok {
			continue
		}
		if strings.ToLower(fn) == nl {
			if found != "" { // неуникально
				return "", false
			}
			found = fqn
		}
	}
	return found, found != ""
}

// SplitFQN("module.entity") -> ("module","entity")
func SplitFQN(fqn string) (string, string) {
	i := strings.IndexByte(fqn, '.')
	if i <= 0 || i >= len(fqn)-1 {
		return "", fqn
	}
	return fqn[:i], fqn[i+1:]
}
