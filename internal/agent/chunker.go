package agent

import (
	"fmt"
	"strings"

	"cv-agent-go/internal/types"

	"github.com/gofrs/uuid/v5"
)

// EvidenceChunkIDNamespace 用于生成确定性证据块ID的专用命名空间。
// 同一份输入拆出的块在任何一次运行中都得到同样的ID，引用可以跨运行比对。
var EvidenceChunkIDNamespace = uuid.Must(uuid.FromString("3e7a9d41-86bf-4f2c-9a15-c0d8e6b47f28"))

// 证据块类型
const (
	ChunkKindSummary        = "summary"
	ChunkKindExperience     = "experience"
	ChunkKindAchievement    = "achievement"
	ChunkKindSkills         = "skills"
	ChunkKindEducation      = "education"
	ChunkKindProject        = "project"
	ChunkKindCertification  = "certification"
	ChunkKindRequirement    = "requirement"
	ChunkKindResponsibility = "responsibility"
	ChunkKindJobMeta        = "job_meta"
)

// chunkID 基于分区、类型和来源路径生成确定性块ID
func chunkID(ns types.Namespace, kind string, path string) string {
	idSource := fmt.Sprintf("%s:%s:%s", ns, kind, path)
	return uuid.NewV5(EvidenceChunkIDNamespace, idSource).String()
}

// ChunkProfile 将候选人画像拆分为证据块。
// 粒度：摘要整体一块，每段经历一块，每条成就单独一块，技能一块，每条教育经历一块。
// 成就单独成块是为了让引用能精确到某一条可核验的事实。
func ChunkProfile(profile *types.CandidateProfile) []types.EvidenceChunk {
	if profile == nil {
		return nil
	}

	var chunks []types.EvidenceChunk
	add := func(kind, path, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		chunks = append(chunks, types.EvidenceChunk{
			ID:        chunkID(types.NamespaceCandidate, kind, path),
			Namespace: types.NamespaceCandidate,
			Kind:      kind,
			Text:      text,
		})
	}

	add(ChunkKindSummary, "summary", profile.Summary)

	for i, exp := range profile.Experience {
		header := strings.TrimSpace(fmt.Sprintf("%s %s %s", exp.Company, exp.Position, exp.Duration))
		body := exp.Description
		if header != "" {
			body = header + "\n" + exp.Description
		}
		add(ChunkKindExperience, fmt.Sprintf("experience:%d", i), body)

		for j, ach := range exp.Achievements {
			add(ChunkKindAchievement, fmt.Sprintf("experience:%d:achievement:%d", i, j), ach)
		}
		if len(exp.SkillsUsed) > 0 {
			add(ChunkKindSkills, fmt.Sprintf("experience:%d:skills", i),
				header+" 使用技术: "+strings.Join(exp.SkillsUsed, ", "))
		}
		for j, m := range exp.Metrics {
			add(ChunkKindAchievement, fmt.Sprintf("experience:%d:metric:%d", i, j), m)
		}
	}

	if len(profile.Skills) > 0 {
		add(ChunkKindSkills, "skills", strings.Join(profile.Skills, ", "))
	}

	for i, p := range profile.Projects {
		add(ChunkKindProject, fmt.Sprintf("project:%d", i), p)
	}

	for i, cert := range profile.Certifications {
		add(ChunkKindCertification, fmt.Sprintf("certification:%d", i), cert)
	}

	for i, edu := range profile.Education {
		add(ChunkKindEducation, fmt.Sprintf("education:%d", i),
			strings.TrimSpace(fmt.Sprintf("%s %s %s %s", edu.Institution, edu.Degree, edu.Field, edu.Year)))
	}

	return chunks
}

// ChunkRequirement 将岗位要求拆分为证据块。
// 每条硬性要求、加分项和职责单独成块，岗位标题与公司合并为一个元信息块。
func ChunkRequirement(req *types.JobRequirement) []types.EvidenceChunk {
	if req == nil {
		return nil
	}

	var chunks []types.EvidenceChunk
	add := func(kind, path, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		chunks = append(chunks, types.EvidenceChunk{
			ID:        chunkID(types.NamespaceJob, kind, path),
			Namespace: types.NamespaceJob,
			Kind:      kind,
			Text:      text,
		})
	}

	add(ChunkKindJobMeta, "meta", strings.TrimSpace(fmt.Sprintf("%s %s", req.Company, req.Title)))

	for i, q := range req.MustHave {
		add(ChunkKindRequirement, fmt.Sprintf("must_have:%d", i), q.Text)
	}
	for i, q := range req.NiceToHave {
		add(ChunkKindRequirement, fmt.Sprintf("nice_to_have:%d", i), q.Text)
	}
	for i, r := range req.Responsibilities {
		add(ChunkKindResponsibility, fmt.Sprintf("responsibility:%d", i), r)
	}
	if len(req.Keywords) > 0 {
		add(ChunkKindJobMeta, "keywords", "关键词: "+strings.Join(req.Keywords, ", "))
	}

	return chunks
}
