package retrieval

import (
	"context"

	"cv-agent-go/internal/types"
)

// ScoredChunk 表示一个带相似度分数的检索结果项
type ScoredChunk struct {
	Chunk types.EvidenceChunk
	Score float64 // 相似度分数，越大越相近
}

// EvidenceIndex 证据索引接口。
// candidate 与 job 两个分区相互独立，一个分区的检索绝不返回另一个分区的块。
type EvidenceIndex interface {
	// Upsert 向指定分区写入证据块，未携带向量的块在写入时嵌入
	Upsert(ctx context.Context, ns types.Namespace, chunks []types.EvidenceChunk) error

	// Search 返回指定分区内与查询最相近的k个块。
	// 嵌入后端故障必须以检索错误返回，不允许用空结果掩盖。
	Search(ctx context.Context, ns types.Namespace, query string, k int) ([]ScoredChunk, error)

	// Resolve 按块ID在指定分区内解析证据块，不存在时返回 found=false
	Resolve(ctx context.Context, ns types.Namespace, chunkID string) (*types.EvidenceChunk, bool, error)

	// Reset 清空索引，运行结束时调用
	Reset(ctx context.Context) error
}
