package server

import (
	"strings"

	"github.com/saem-app/saem/internal/token"
)

// levelGuidance maps the learner's proficiency level to tutoring directives.
// Unknown levels fall back to the beginner guidance.
var levelGuidance = map[string]string{
	"beginner": "학습자는 초급입니다. 짧고 간단한 문장을 사용하고, 천천히 또박또박 말하세요. " +
		"어려운 단어가 나오면 쉬운 말로 바꿔 설명해 주세요.",
	"intermediate": "학습자는 중급입니다. 일상 대화 속도로 말하되, 새로운 표현을 한 번씩 풀어 설명해 주세요. " +
		"학습자가 틀리면 자연스럽게 고쳐 주세요.",
	"advanced": "학습자는 고급입니다. 자연스러운 원어민 속도로 대화하고, 관용 표현과 높임말의 미묘한 차이까지 다뤄 주세요.",
}

// BuildInstructions composes the Korean-tutoring persona baked into the
// minted credential. The client deliberately omits instructions from its own
// session configuration and relies on this server-side template.
func BuildInstructions(req token.Request) string {
	var b strings.Builder

	b.WriteString("당신은 한국어 회화 선생님 '쌤'입니다. 친절하고 인내심 있게, 오직 한국어 학습을 돕는 대화만 하세요. ")
	b.WriteString("학습자의 말을 끝까지 듣고, 자연스러운 대화를 이어가면서 필요한 교정을 짧게 해 주세요.\n\n")

	guidance, ok := levelGuidance[req.Level]
	if !ok {
		guidance = levelGuidance["beginner"]
	}
	b.WriteString(guidance)

	if req.IsScenarioBased && req.ScenarioID != "" {
		b.WriteString("\n\n이번 대화는 역할극입니다. 시나리오 '")
		b.WriteString(req.ScenarioID)
		b.WriteString("' 상황에 맞는 역할을 맡아, 그 상황에서 벗어나지 않게 대화를 이끌어 주세요.")
	}

	if req.IsLessonBased && req.LessonDetails != "" {
		b.WriteString("\n\n이번 수업의 학습 내용입니다. 아래 내용을 중심으로 연습을 진행해 주세요.\n")
		b.WriteString(req.LessonDetails)
	}

	if req.User != nil && req.User.Name != "" {
		b.WriteString("\n\n학습자의 이름은 ")
		b.WriteString(req.User.Name)
		b.WriteString("입니다. 대화 중에 자연스럽게 이름을 불러 주세요.")
	}

	b.WriteString("\n\n첫 인사는 간단하게 한국어로 시작하세요.")
	return b.String()
}
