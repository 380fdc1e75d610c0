package timeline

import (
	"math/rand/v2"

	"github.com/ashstudy/MessageAutomation/internal/message"
	"github.com/ashstudy/MessageAutomation/internal/models"
	"github.com/ashstudy/MessageAutomation/internal/protocol"
)

// TaskTrial is one row of the values-task conditions file.
type TaskTrial struct {
	Message models.MessageTemplate
	ITI     float64
}

// BuildTaskTrials selects values-based messages for the participant's task values
// (most and least important value) and pairs each with the inter-trial interval at
// the same position. A pool smaller than the task repeats in the same order.
func BuildTaskTrials(lib *message.Library, rng *rand.Rand, part models.Participant, task protocol.Task) ([]TaskTrial, error) {
	messages, err := lib.Select(rng, models.ConditionValues, part.TaskValues, task.Messages)
	if err != nil {
		return nil, err
	}
	trials := make([]TaskTrial, len(messages))
	for i, m := range messages {
		trials[i] = TaskTrial{Message: m, ITI: task.ITI[i]}
	}
	return trials, nil
}
