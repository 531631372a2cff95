package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 定义知识库检索的通用接口。category 为意图分类，可为空。
type Provider interface {
	Query(text, category string) []Snippet
}

// Snippet 描述可供大模型引用的一段知识，例如品牌语气或投放规范。
type Snippet struct {
	Title      string   `yaml:"title" json:"title"`
	Content    string   `yaml:"content" json:"content"`
	Keywords   []string `yaml:"keywords" json:"keywords"`
	Categories []string `yaml:"categories" json:"categories"`
}

// StaticProvider 通过加载 YAML/JSON 文件提供静态知识检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// LoadStaticProvider 从文件加载知识条目。JSON 是 YAML 的子集，两种格式均可。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	var entries []Snippet
	if err := yaml.Unmarshal(content, &entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}
	return NewStaticProvider(entries, maxResults), nil
}

// Query 先按分类过滤，再按关键词匹配文本。没有关键词的条目对其分类始终生效。
func (p *StaticProvider) Query(text, category string) []Snippet {
	if p == nil {
		return nil
	}
	text = strings.ToLower(strings.TrimSpace(text))
	category = strings.ToLower(strings.TrimSpace(category))

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if !inCategory(item, category) || !matchesKeywords(item, text) {
			continue
		}
		results = append(results, item)
		if len(results) >= p.maxResults {
			break
		}
	}
	return results
}

func inCategory(snippet Snippet, category string) bool {
	if len(snippet.Categories) == 0 || category == "" {
		return true
	}
	for _, c := range snippet.Categories {
		if strings.EqualFold(strings.TrimSpace(c), category) {
			return true
		}
	}
	return false
}

func matchesKeywords(snippet Snippet, text string) bool {
	if len(snippet.Keywords) == 0 {
		return true
	}
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" && strings.Contains(text, normalized) {
			return true
		}
	}
	return false
}

var _ Provider = (*StaticProvider)(nil)
