package exclusion

import (
	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/domain/volumetry"
)

// Window returns the predicate of records of period p that fall outside the
// billing window of the given period-window kind. Missing dates required by
// the formula count as outside.
//
// Retroactive: report date outside [day 8 of p, day 7 of p+1] or exam date
// on or after the first day of p.
// Current: exam date outside p, or report date outside [day 1 of p, day 7
// of p+1].
func Window(kind rules.Kind, p volumetry.Period) (volumetry.Cond, bool) {
	start := p.Start()
	switch kind {
	case rules.KindPeriodWindowRetroactive:
		return volumetry.Or(
			volumetry.Outside(volumetry.FieldReportDate, start.AddDate(0, 0, 7), start.AddDate(0, 1, 6)),
			volumetry.IsNull(volumetry.FieldExamDate),
			volumetry.Gte(volumetry.FieldExamDate, start),
		), true
	case rules.KindPeriodWindowCurrent:
		return volumetry.Or(
			volumetry.Outside(volumetry.FieldExamDate, start, start.AddDate(0, 1, -1)),
			volumetry.Outside(volumetry.FieldReportDate, start, start.AddDate(0, 1, 6)),
		), true
	}
	return volumetry.None(), false
}

// windowReason is the log reason of a period-window exclusion.
func windowReason(kind rules.Kind, p volumetry.Period) string {
	if kind == rules.KindPeriodWindowRetroactive {
		return "outside retroactive billing window of " + string(p)
	}
	return "outside current billing window of " + string(p)
}
