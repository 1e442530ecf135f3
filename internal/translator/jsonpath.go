package translator

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func findJSONPaths(result gjson.Result, prefix, targetKey string) []string {
	var paths []string
	if result.IsObject() {
		result.ForEach(func(key, value gjson.Result) bool {
			currentPath := escapePathKey(key.String())
			if prefix != "" {
				currentPath = prefix + "." + currentPath
			}
			if key.String() == targetKey {
				paths = append(paths, currentPath)
			}
			paths = append(paths, findJSONPaths(value, currentPath, targetKey)...)
			return true
		})
	} else if result.IsArray() {
		for i, item := range result.Array() {
			currentPath := fmt.Sprintf("%s.%d", prefix, i)
			if prefix == "" {
				currentPath = fmt.Sprintf("%d", i)
			}
			paths = append(paths, findJSONPaths(item, currentPath, targetKey)...)
		}
	}
	return paths
}

func renameJSONKey(jsonStr, oldPath, newPath string) string {
	value := gjson.Get(jsonStr, oldPath)
	if !value.Exists() {
		return jsonStr
	}
	jsonStr, _ = sjson.SetRaw(jsonStr, newPath, value.Raw)
	jsonStr, _ = sjson.Delete(jsonStr, oldPath)
	return jsonStr
}

// deleteJSONKey removes every occurrence of key except where key names a
// schema property. Deepest paths go first so earlier deletions never
// invalidate later ones.
func deleteJSONKey(jsonStr, key string) string {
	paths := findJSONPaths(gjson.Parse(jsonStr), "", key)
	for i := len(paths) - 1; i >= 0; i-- {
		if strings.HasSuffix(paths[i], ".properties."+escapePathKey(key)) {
			continue
		}
		jsonStr, _ = sjson.Delete(jsonStr, paths[i])
	}
	return jsonStr
}

var pathEscaper = strings.NewReplacer(`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

func escapePathKey(key string) string {
	return pathEscaper.Replace(key)
}
