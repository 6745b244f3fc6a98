// Package prompt renders the profile-aware analysis prompt sent to the LLM
// for each transcript chunk.
package prompt

import (
	"fmt"
	"strings"

	"github.com/forPelevin/clipforge/internal/types"
)

// Policy selects how permissive the prompt asks the model to be. It pairs
// with the matching clips.Policy on the filtering side.
type Policy string

const (
	PolicyInclusive Policy = "inclusive"
	PolicyStrict    Policy = "strict"
)

type profileSpec struct {
	duration string
	style    string
	focus    string
}

var profileSpecs = map[types.Profile]profileSpec{
	types.ProfileSocial: {
		duration: "15-60 seconds",
		style:    "dynamic and attention-grabbing",
		focus:    "viral moments, punchy statements, visually striking content",
	},
	types.ProfileEducational: {
		duration: "2-5 minutes",
		style:    "educational and structured",
		focus:    "complete concepts, clear explanations, teaching value",
	},
	types.ProfileReference: {
		duration: "1-10 minutes",
		style:    "informative and thorough",
		focus:    "key information, important data points, future reference",
	},
}

// Builder renders chunk prompts for a fixed policy.
type Builder struct {
	policy Policy
}

func NewBuilder(policy Policy) Builder {
	if policy != PolicyStrict {
		policy = PolicyInclusive
	}
	return Builder{policy: policy}
}

// Render produces the full analysis prompt for one transcript chunk.
func (b Builder) Render(params types.AnalysisParams, chunk string) string {
	spec, ok := profileSpecs[params.Profile]
	if !ok {
		spec = profileSpecs[types.ProfileSocial]
	}

	topics := splitTopics(params.Topics)

	var sb strings.Builder
	sb.WriteString("You are an expert video content analyst specialized in finding valuable clips. ")
	if b.policy == PolicyStrict {
		sb.WriteString("Your mission is to select only the strongest, non-overlapping segments of a transcript.\n\n")
	} else {
		sb.WriteString("Your mission is to find ALL potentially useful segments of a transcript.\n\n")
	}

	fmt.Fprintf(&sb, "VIDEO CONTEXT:\n%s\n\n", params.Context)
	fmt.Fprintf(&sb, "TOPICS OF INTEREST:\n%s\n\n", strings.Join(topics, ", "))
	fmt.Fprintf(&sb, "OUTPUT PROFILE: %s\n- Target duration: %s\n- Style: %s\n- Focus: %s\n\n",
		params.Profile, spec.duration, spec.style, spec.focus)
	fmt.Fprintf(&sb, "TRANSCRIPT:\n%s\n\n", chunk)

	sb.WriteString(`SELECTION CRITERIA:
- Segments that directly address the topics of interest
- Moments carrying valuable information or unique insights
- Clear explanations of important concepts
- Practical examples or case studies
- Segments with data, statistics or relevant facts

`)

	if b.policy == PolicyStrict {
		sb.WriteString(`BE SELECTIVE:
- Only include clips with confidence >= 0.6
- Clips must NOT overlap each other on the timeline
- Prefer fewer, stronger clips over many weak ones

`)
	} else {
		sb.WriteString(`BE VERY INCLUSIVE:
- Include clips with confidence >= 0.3
- Prefer having more options over fewer
- Clips may overlap when they address different aspects
- Consider short fragments (15-30s) that could still be valuable

`)
	}

	sb.WriteString(`For each clip, return the following JSON (and nothing else):
{
  "clips": [
    {
      "title": "Descriptive, engaging clip title",
      "start_time": seconds_from_video_start,
      "end_time": seconds_from_video_start,
      "duration": seconds,
      "description": "What the clip contains and why it is valuable",
      "topics": ["topic1", "topic2"],
      "confidence": score_between_0_and_1
    }
  ]
}

IMPORTANT:
- Times must be precise and grounded in the transcript
- duration must equal end_time minus start_time
- Return strictly valid JSON with no markdown and no code fences`)

	return sb.String()
}

func splitTopics(topics string) []string {
	parts := strings.Split(topics, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
