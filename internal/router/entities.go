package router

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// EntityType names a kind of extracted value.
type EntityType string

// Entity types.
const (
	EntityDate       EntityType = "date"
	EntityMoney      EntityType = "money"
	EntityCrop       EntityType = "crop_name"
	EntityFarmArea   EntityType = "farm_area"
	EntityDeviceName EntityType = "device_name"
	EntityMetric     EntityType = "metric"
	EntityDuration   EntityType = "duration"
)

// Entity is a value found in a query. Value is normalized (an ISO date,
// an amount in đồng, an area name as stored); Raw is the matched text.
// Start and End are byte offsets into the normalized query.
type Entity struct {
	Type       EntityType `json:"type"`
	Value      string     `json:"value"`
	Raw        string     `json:"raw"`
	Confidence float64    `json:"confidence"`
	Start      int        `json:"start"`
	End        int        `json:"end"`
}

var (
	dateRelative = regexp.MustCompile(`hôm nay|hôm qua|tuần này|tuần trước|tháng này|năm này|năm nay`)
	dateMonth    = regexp.MustCompile(`tháng\s*(\d{1,2})\b`)
	dateYear     = regexp.MustCompile(`năm\s*(\d{4})\b`)
	dateFull     = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)

	moneyPattern = regexp.MustCompile(`(\d+[\d,.]*)\s*(đồng|vnđ|vnd|triệu|tr|tỷ|k)(?:[^\pL]|$)`)

	areaPattern = regexp.MustCompile(`(?i)(luống|khu|lô|vườn)\s*([a-z]|\d+)(?:[^\pL\d]|$)`)

	// Each duration pattern captures the value in group 1.
	durationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(\d+\s*tiếng\s*rưỡi)`),
		regexp.MustCompile(`(nửa\s*tiếng)`),
		regexp.MustCompile(`(\d+\s*(?:giây|phút|giờ|tiếng))`),
		regexp.MustCompile(`(?:^|[^\pL\d])(\d+\s*[smh])(?:[^\pL]|$)`),
	}
)

var moneyMultiplier = map[string]float64{
	"đồng": 1, "vnđ": 1, "vnd": 1,
	"k":     1e3,
	"triệu": 1e6, "tr": 1e6,
	"tỷ": 1e9,
}

var cropNames = []string{"cà chua", "dưa hấu", "lúa", "ớt", "rau", "ngô", "khoai", "đậu", "cải"}

// deviceNames are checked longest first so "máy bơm" wins over "bơm".
var deviceNames = sortedByLength(append([]string{
	"máy bơm", "vòi phun", "van tưới", "hệ thống tưới", "thiết bị",
}, keys(deviceTypeMap)...))

// metricNames maps spoken measurements to reading fields.
var metricNames = map[string]string{
	"nhiệt độ":        MetricTemperature,
	"độ ẩm đất":       MetricSoilMoisture,
	"độ ẩm của đất":   MetricSoilMoisture,
	"độ ẩm không khí": MetricHumidity,
	"độ ẩm":           MetricHumidity,
	"ánh sáng":        MetricLight,
	"cường độ sáng":   MetricLight,
	"độ sáng":         MetricLight,
}

var metricKeys = sortedByLength(keys(metricNames))

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func sortedByLength(s []string) []string {
	out := make([]string, 0, len(s))
	seen := make(map[string]bool)
	for _, v := range s {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if runeLen(out[i]) != runeLen(out[j]) {
			return runeLen(out[i]) > runeLen(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

func (c *Classifier) extractEntities(query, norm string) []Entity {
	var out []Entity
	out = append(out, c.extractDates(norm)...)
	out = append(out, extractMoney(norm)...)
	out = append(out, extractCrops(norm)...)
	out = append(out, extractAreas(norm)...)
	if e, ok := firstKeyword(norm, deviceNames, EntityDeviceName, 0.8); ok {
		out = append(out, e)
	}
	if e, ok := firstKeyword(norm, metricKeys, EntityMetric, 0.8); ok {
		out = append(out, e)
	}
	if e, ok := extractDuration(norm); ok {
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func (c *Classifier) extractDates(norm string) []Entity {
	now := c.now()
	var out []Entity
	for _, loc := range dateRelative.FindAllStringIndex(norm, -1) {
		raw := norm[loc[0]:loc[1]]
		var v string
		switch raw {
		case "hôm nay":
			v = now.Format(time.DateOnly)
		case "hôm qua":
			v = now.AddDate(0, 0, -1).Format(time.DateOnly)
		case "tuần này":
			v = "this_week"
		case "tuần trước":
			v = "last_week"
		case "tháng này":
			v = "this_month"
		default:
			v = "this_year"
		}
		out = append(out, Entity{Type: EntityDate, Value: v, Raw: raw, Confidence: 0.9, Start: loc[0], End: loc[1]})
	}
	for _, m := range dateFull.FindAllStringSubmatchIndex(norm, -1) {
		d, _ := strconv.Atoi(norm[m[2]:m[3]])
		mo, _ := strconv.Atoi(norm[m[4]:m[5]])
		y, _ := strconv.Atoi(norm[m[6]:m[7]])
		t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
		if t.Day() != d || int(t.Month()) != mo {
			continue
		}
		out = append(out, Entity{Type: EntityDate, Value: t.Format(time.DateOnly), Raw: norm[m[0]:m[1]], Confidence: 0.95, Start: m[0], End: m[1]})
	}
	for _, m := range dateMonth.FindAllStringSubmatchIndex(norm, -1) {
		n, _ := strconv.Atoi(norm[m[2]:m[3]])
		if n < 1 || n > 12 {
			continue
		}
		out = append(out, Entity{Type: EntityDate, Value: fmt.Sprintf("month_%d", n), Raw: norm[m[0]:m[1]], Confidence: 0.85, Start: m[0], End: m[1]})
	}
	for _, m := range dateYear.FindAllStringSubmatchIndex(norm, -1) {
		out = append(out, Entity{Type: EntityDate, Value: "year_" + norm[m[2]:m[3]], Raw: norm[m[0]:m[1]], Confidence: 0.85, Start: m[0], End: m[1]})
	}
	return out
}

func extractMoney(norm string) []Entity {
	var out []Entity
	for _, m := range moneyPattern.FindAllStringSubmatchIndex(norm, -1) {
		num := strings.ReplaceAll(norm[m[2]:m[3]], ",", "")
		if strings.Count(num, ".") > 1 {
			num = strings.ReplaceAll(num, ".", "")
		}
		f, err := strconv.ParseFloat(strings.TrimRight(num, "."), 64)
		if err != nil {
			continue
		}
		unit := norm[m[4]:m[5]]
		out = append(out, Entity{
			Type:       EntityMoney,
			Value:      strconv.FormatFloat(f*moneyMultiplier[unit], 'f', -1, 64),
			Raw:        norm[m[2]:m[5]],
			Confidence: 0.9,
			Start:      m[2],
			End:        m[5],
		})
	}
	return out
}

func extractCrops(norm string) []Entity {
	var out []Entity
	for _, crop := range cropNames {
		if i := indexKeyword(norm, crop); i >= 0 {
			out = append(out, Entity{Type: EntityCrop, Value: crop, Raw: crop, Confidence: 0.85, Start: i, End: i + len(crop)})
		}
	}
	return out
}

func extractAreas(norm string) []Entity {
	var out []Entity
	for _, m := range areaPattern.FindAllStringSubmatchIndex(norm, -1) {
		prefix, id := norm[m[2]:m[3]], norm[m[4]:m[5]]
		out = append(out, Entity{
			Type:       EntityFarmArea,
			Value:      titleFirst(prefix) + " " + strings.ToUpper(id),
			Raw:        norm[m[2]:m[5]],
			Confidence: 0.9,
			Start:      m[2],
			End:        m[5],
		})
	}
	return out
}

func extractDuration(norm string) (Entity, bool) {
	for _, p := range durationPatterns {
		if m := p.FindStringSubmatchIndex(norm); m != nil {
			raw := norm[m[2]:m[3]]
			return Entity{Type: EntityDuration, Value: raw, Raw: raw, Confidence: 0.9, Start: m[2], End: m[3]}, true
		}
	}
	return Entity{}, false
}

// firstKeyword returns the first of candidates present in norm;
// candidates are ordered longest first.
func firstKeyword(norm string, candidates []string, t EntityType, conf float64) (Entity, bool) {
	for _, kw := range candidates {
		if i := indexKeyword(norm, kw); i >= 0 {
			return Entity{Type: t, Value: kw, Raw: kw, Confidence: conf, Start: i, End: i + len(kw)}, true
		}
	}
	return Entity{}, false
}

func indexKeyword(s, kw string) int {
	if !containsKeyword(s, kw) {
		return -1
	}
	return strings.Index(s, kw)
}

func titleFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
