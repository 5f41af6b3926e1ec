package apiconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"apisurface/internal/faults"
)

// LoadDir читает все *.yml/*.yaml из root.
// Файлы в корне — конфигурация для RequestTypeREST; каждая поддиректория —
// отдельный тип запроса с именем директории (накладывается поверх rest).
// Файлы внутри одного типа сливаются в лексикографическом порядке путей.
func LoadDir(root string) (*Registry, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	reg := NewRegistry()
	var rootFiles []string
	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		if e.IsDir() {
			files, err := yamlFiles(path)
			if err != nil {
				return nil, err
			}
			b, err := loadBag(files)
			if err != nil {
				return nil, err
			}
			reg.bags[RequestType(e.Name())] = b
			continue
		}
		if isYAML(e.Name()) {
			rootFiles = append(rootFiles, path)
		}
	}
	sort.Strings(rootFiles)
	b, err := loadBag(rootFiles)
	if err != nil {
		return nil, err
	}
	reg.bags[RequestTypeREST] = b
	return reg, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yml" || ext == ".yaml"
}

func yamlFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isYAML(d.Name()) {
			out = append(out, path)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func loadBag(files []string) (*bag, error) {
	merged := map[string]any{}
	for _, f := range files {
		data, err := parseFile(f, nil)
		if err != nil {
			return nil, err
		}
		merged = mergeValues(merged, data).(map[string]any)
	}
	return newBag(merged)
}

// parseFile читает файл и раскрывает imports: [{resource: rel.yml}].
// Значения импортирующего файла перекрывают импортированные.
func parseFile(path string, chain []string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, p := range chain {
		if p == abs {
			return nil, faults.New(faults.ConfigError,
				fmt.Sprintf("circular import detected: %s", strings.Join(append(chain, abs), " >> ")), nil)
		}
	}
	chain = append(chain, abs)

	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, faults.New(faults.ConfigError, fmt.Sprintf("unable to parse file %q", abs), err)
	}
	doc, err := nodeValue(&root)
	if err != nil {
		return nil, faults.New(faults.ConfigError, fmt.Sprintf("unable to parse file %q", abs), err)
	}
	data, _ := doc.(map[string]any)
	if data == nil {
		data = map[string]any{}
	}

	imports, _ := data["imports"].([]any)
	delete(data, "imports")

	result := map[string]any{}
	for _, imp := range imports {
		m, _ := imp.(map[string]any)
		res, _ := m["resource"].(string)
		if res == "" {
			return nil, faults.New(faults.ConfigError, fmt.Sprintf("%s: import without resource", abs), nil)
		}
		imported, err := parseFile(filepath.Join(filepath.Dir(abs), res), chain)
		if err != nil {
			return nil, err
		}
		result = mergeValues(result, imported).(map[string]any)
	}
	return mergeValues(result, data).(map[string]any), nil
}

// mergeValues: карты сливаются рекурсивно, всё остальное (включая списки) заменяется src.
func mergeValues(dst, src any) any {
	dm, ok1 := dst.(map[string]any)
	sm, ok2 := src.(map[string]any)
	if !ok1 || !ok2 {
		return src
	}
	for k, v := range sm {
		if cur, ok := dm[k]; ok {
			dm[k] = mergeValues(cur, v)
		} else {
			dm[k] = v
		}
	}
	return dm
}

// nodeValue переводит узел YAML в map[string]any/[]any/скаляры.
// Ключи карт берутся исходным текстом: версия 1.10 без кавычек остаётся "1.10", а не 1.1.
func nodeValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return nodeValue(n.Content[0])
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k := n.Content[i]
			for k.Kind == yaml.AliasNode {
				k = k.Alias
			}
			if k.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping key must be a scalar", k.Line)
			}
			v, err := nodeValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[k.Value] = v
		}
		return out, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := nodeValue(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// decodeEntity превращает слитую «сырую» карту в EntityConfig (строго по известным полям).
func decodeEntity(entity string, raw map[string]any) (*EntityConfig, error) {
	buf, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(strings.NewReader(string(buf)))
	dec.KnownFields(true)

	cfg := &EntityConfig{}
	if err := dec.Decode(cfg); err != nil {
		return nil, faults.New(faults.ConfigError, fmt.Sprintf("invalid config for entity %q", entity), err)
	}
	if err := cfg.normalize(entity); err != nil {
		return nil, faults.New(faults.ConfigError, "", err)
	}
	return cfg, nil
}
