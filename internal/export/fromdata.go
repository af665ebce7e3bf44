package export

import (
	"time"

	"wechat-archiver/internal/model"
)

// Build 由单篇结果生成清单，统计按结果分类计数。
func Build(results []model.ArticleResult, started, now time.Time) model.Manifest {
	st := model.Stats{Total: len(results), UpdatedAt: now}
	if !started.IsZero() {
		st.Seconds = now.Sub(started).Seconds()
	}
	for _, r := range results {
		switch r.Outcome {
		case model.OutcomeDone:
			st.Done++
		case model.OutcomeSkipped:
			st.Skipped++
		case model.OutcomeFiltered:
			st.Filtered++
		default:
			st.Failed++
		}
	}
	return model.Manifest{Stats: st, Articles: results}
}
