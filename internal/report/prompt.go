package report

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a medical report writer assisting a radiologist.

Write a radiology report in Markdown from the attached overlay image, where each
coloured region is a segmentation drawn by the user, and from the measurements
and clinical context provided.

Rules:
- Never use placeholder text such as "[to be added]".
- Omit the Patient Information section when no patient details are given.
- Describe only what the image and the measurements support.

Report structure:
# Medical Imaging Report
## Patient Information
## Clinical Indication
## Comparison
## Technique
## Findings
## Impression
## Recommendations

End with the line:
*AI-Assisted Analysis: This report was generated with AI assistance and requires physician review and signature.*`

// BuildPrompt 拼接临床信息和分割统计
func BuildPrompt(req *Request) string {
	var b strings.Builder
	c := req.Clinical

	var patient []string
	for _, kv := range [][2]string{
		{"Name", c.PatientName}, {"Age", c.Age}, {"Gender", c.Gender}, {"MRN", c.MRN},
	} {
		if v := strings.TrimSpace(kv[1]); v != "" {
			patient = append(patient, kv[0]+": "+v)
		}
	}
	if len(patient) > 0 {
		b.WriteString("## Patient\n")
		for _, p := range patient {
			b.WriteString("- " + p + "\n")
		}
	}

	section := func(title, v string) {
		if v = strings.TrimSpace(v); v != "" {
			fmt.Fprintf(&b, "\n## %s\n%s\n", title, v)
		}
	}
	section("Exam", c.ExamType)
	section("Clinical Indication", c.Indication)
	section("Clinical History", c.History)
	section("Prior Studies", c.PriorStudies)

	b.WriteString("\n## Segmented Regions\n")
	if len(req.Findings) == 0 {
		b.WriteString("No regions were segmented.\n")
	}
	for _, f := range req.Findings {
		fmt.Fprintf(&b, "- %s: %d px (%.2f%% of image), bbox x=%d..%d y=%d..%d, model confidence %.2f\n",
			f.Name, f.AreaPixels, f.AreaFraction*100, f.BBox[0], f.BBox[2], f.BBox[1], f.BBox[3], f.Score)
	}
	return b.String()
}
