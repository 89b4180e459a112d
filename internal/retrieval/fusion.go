package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cv-agent-go/internal/constants"
	"cv-agent-go/internal/logger"
	"cv-agent-go/internal/tracing"
	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var fusionTracer = otel.Tracer("cv-agent-go/retrieval/fusion")

// FusionRetriever 融合检索器：将种子查询改写为多个表述，独立检索后做倒数排名融合。
// 单一查询容易漏掉换了说法的要求，融合多个改写能在不加大索引的情况下提升召回。
type FusionRetriever struct {
	index      EvidenceIndex
	llm        model.ToolCallingChatModel // 可为nil，此时退化为单查询检索
	numQueries int                        // 总查询数，含种子查询
	rrfOffset  int
}

// FusionOption 定义融合检索器的构造选项
type FusionOption func(*FusionRetriever)

// WithNumQueries 设置查询改写总数（含种子查询），超过上限时裁剪
func WithNumQueries(n int) FusionOption {
	return func(f *FusionRetriever) {
		if n > constants.MaxFusionQueries {
			n = constants.MaxFusionQueries
		}
		if n > 0 {
			f.numQueries = n
		}
	}
}

// WithRRFOffset 设置倒数排名融合的偏移常量
func WithRRFOffset(offset int) FusionOption {
	return func(f *FusionRetriever) {
		if offset > 0 {
			f.rrfOffset = offset
		}
	}
}

// NewFusionRetriever 创建融合检索器
func NewFusionRetriever(index EvidenceIndex, llm model.ToolCallingChatModel, opts ...FusionOption) *FusionRetriever {
	f := &FusionRetriever{
		index:      index,
		llm:        llm,
		numQueries: constants.DefaultFusionQueries,
		rrfOffset:  constants.DefaultRRFOffset,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Retrieve 对指定分区执行融合检索，返回去重后按融合分数排列的前k个块。
// 改写生成失败时退化为单查询检索而不是让调用方失败。
func (f *FusionRetriever) Retrieve(ctx context.Context, ns types.Namespace, seedQuery string, k int) ([]ScoredChunk, error) {
	ctx, span := fusionTracer.Start(ctx, "FusionRetriever.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("retrieval.namespace", string(ns)),
		attribute.Int("retrieval.top_k", k),
		attribute.String("retrieval.seed_query", tracing.SafeAttributeValue("seed_query", seedQuery, tracing.MaxPromptLength)),
	)

	queries := f.reformulate(ctx, seedQuery)
	span.SetAttributes(attribute.Int("retrieval.query_count", len(queries)))

	// 每个改写独立检索，允许并发下发；结果按查询序号落位，
	// 融合顺序与完成顺序无关，保证确定性。
	lists := make([][]ScoredChunk, len(queries))
	errs := make([]error, len(queries))

	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			lists[i], errs[i] = f.index.Search(ctx, ns, q, k)
		}(i, q)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			// 检索错误必须原样上浮，不允许以部分结果掩盖
			return nil, err
		}
	}

	merged := fuseRanked(lists, f.rrfOffset)
	if len(merged) > k {
		merged = merged[:k]
	}
	span.SetAttributes(attribute.Int("retrieval.result_count", len(merged)))
	return merged, nil
}

// reformulate 用LLM生成查询改写，失败时只返回种子查询
func (f *FusionRetriever) reformulate(ctx context.Context, seedQuery string) []string {
	queries := []string{seedQuery}
	extra := f.numQueries - 1
	if f.llm == nil || extra <= 0 {
		return queries
	}

	prompt := fmt.Sprintf(`你是一个检索查询改写助手。请为下面的查询生成%d个语义等价但措辞不同的改写，用于向量检索召回。

原始查询:
"""
%s
"""

要求：
- 只输出一个JSON字符串数组，例如 ["改写一", "改写二"]。
- 每个改写保持原意，替换关键词的说法或调整句式。
- 禁止输出JSON之外的任何内容。`, extra, seedQuery)

	resp, err := f.llm.Generate(ctx, []*einoschema.Message{einoschema.UserMessage(prompt)})
	if err != nil || resp == nil || resp.Content == "" {
		logger.Ctx(ctx).Warn().Err(err).Msg("查询改写生成失败，退化为单查询检索")
		return queries
	}

	variants := parseStringArray(resp.Content)
	if len(variants) == 0 {
		logger.Ctx(ctx).Warn().Str("content", resp.Content).Msg("查询改写结果无法解析，退化为单查询检索")
		return queries
	}
	if len(variants) > extra {
		variants = variants[:extra]
	}
	return append(queries, variants...)
}

// fuseRanked 倒数排名融合：每个块的融合分数为 Σ 1/(名次+offset)，名次从1起，
// 并列时先比最好单列名次，再比块ID，保证全序。
func fuseRanked(lists [][]ScoredChunk, offset int) []ScoredChunk {
	type fusedEntry struct {
		chunk    types.EvidenceChunk
		score    float64
		bestRank int
	}

	fused := make(map[string]*fusedEntry)
	for _, list := range lists {
		for rank, sc := range list {
			entry, ok := fused[sc.Chunk.ID]
			if !ok {
				entry = &fusedEntry{chunk: sc.Chunk, bestRank: rank}
				fused[sc.Chunk.ID] = entry
			}
			entry.score += 1.0 / float64(rank+1+offset)
			if rank < entry.bestRank {
				entry.bestRank = rank
			}
		}
	}

	merged := make([]ScoredChunk, 0, len(fused))
	order := make(map[string]*fusedEntry, len(fused))
	for id, entry := range fused {
		merged = append(merged, ScoredChunk{Chunk: entry.chunk, Score: entry.score})
		order[id] = entry
	}

	sort.Slice(merged, func(i, j int) bool {
		a, b := order[merged[i].Chunk.ID], order[merged[j].Chunk.ID]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.bestRank != b.bestRank {
			return a.bestRank < b.bestRank
		}
		return merged[i].Chunk.ID < merged[j].Chunk.ID
	})
	return merged
}

// parseStringArray 从模型输出中提取JSON字符串数组
func parseStringArray(text string) []string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end <= start {
		return nil
	}

	var arr []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &arr); err != nil {
		return nil
	}

	out := arr[:0]
	for _, s := range arr {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
