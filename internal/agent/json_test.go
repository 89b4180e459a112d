package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExtractJSONObject 花括号配对提取
func TestExtractJSONObject(t *testing.T) {
	assert.Equal(t, `{"a": 1}`, extractJSONObject(`前缀 {"a": 1} 后缀`), "应忽略JSON前后的杂质")
	assert.Equal(t, `{"a": {"b": 2}}`, extractJSONObject(`{"a": {"b": 2}}`), "应正确处理嵌套对象")
	assert.Equal(t, "", extractJSONObject("没有对象"), "无JSON时应返回空串")
	assert.Equal(t, "", extractJSONObject(`{"未闭合": 1`), "未闭合的对象应返回空串")
}

// TestSanitizeJSON 修复字符串内部未转义的引号
func TestSanitizeJSON(t *testing.T) {
	broken := `{"text": "他说"你好"然后离开"}`
	fixed := sanitizeJSON(broken)
	assert.Equal(t, `{"text": "他说\"你好\"然后离开"}`, fixed, "字符串内部的引号应被转义")

	valid := `{"a": "正常", "b": ["x", "y"]}`
	assert.Equal(t, valid, sanitizeJSON(valid), "合法JSON不应被改动")
}
