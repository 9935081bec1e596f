package enrollsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fluencyhub/fluency-sync/internal/domain/progression"
	"github.com/fluencyhub/fluency-sync/internal/infrastructure/external/roster"
)

// fakeRoster records which lifecycle calls the agent made and lets each
// step fail independently.
type fakeRoster struct {
	mu sync.Mutex

	enrollment *roster.EnrollmentDTO
	class      *roster.ClassDTO

	getErr    error
	findErr   error
	endErr    error
	deleteErr error
	createErr error

	endCalls    int
	deleteCalls int
	createCalls int
}

func (f *fakeRoster) GetActiveEnrollment(context.Context, string) (*roster.EnrollmentDTO, error) {
	return f.enrollment, f.getErr
}

func (f *fakeRoster) FindClassForGrade(context.Context, progression.Grade) (*roster.ClassDTO, error) {
	return f.class, f.findErr
}

func (f *fakeRoster) EndEnrollment(context.Context, string, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls++
	return f.endErr
}

func (f *fakeRoster) DeleteEnrollment(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return f.deleteErr
}

func (f *fakeRoster) CreateEnrollment(context.Context, string, string, time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return "enr-new", nil
}

func (f *fakeRoster) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func enrolledIn(classID string) *roster.EnrollmentDTO {
	return &roster.EnrollmentDTO{
		SourcedID: "enr-old",
		Status:    roster.StatusActive,
		Role:      "student",
		Class:     roster.RefDTO{SourcedID: classID},
	}
}

func classFor(id string) *roster.ClassDTO {
	return &roster.ClassDTO{SourcedID: id, Status: roster.StatusActive}
}

func runOne(t *testing.T, api *fakeRoster) {
	t.Helper()
	a := NewAgent(DefaultConfig(), api)
	a.reconcile(context.Background(), Request{LearnerID: "learner-1", Target: progression.Grade(3)})
}

func TestAgentFullTransition(t *testing.T) {
	api := &fakeRoster{enrollment: enrolledIn("class-g2"), class: classFor("class-g3")}

	runOne(t, api)

	assert.Equal(t, 1, api.endCalls)
	assert.Equal(t, 1, api.deleteCalls)
	assert.Equal(t, 1, api.createCalls)
}

func TestAgentSkipsUnenrolledLearner(t *testing.T) {
	api := &fakeRoster{enrollment: nil, class: classFor("class-g3")}

	runOne(t, api)

	assert.Zero(t, api.endCalls)
	assert.Zero(t, api.deleteCalls)
	assert.Zero(t, api.createCalls)
}

func TestAgentNoopWhenAlreadyInTargetClass(t *testing.T) {
	api := &fakeRoster{enrollment: enrolledIn("class-g3"), class: classFor("class-g3")}

	runOne(t, api)

	assert.Zero(t, api.endCalls)
	assert.Zero(t, api.deleteCalls)
	assert.Zero(t, api.createCalls)
}

func TestAgentToleratesEndDateFailure(t *testing.T) {
	api := &fakeRoster{
		enrollment: enrolledIn("class-g2"),
		class:      classFor("class-g3"),
		endErr:     errors.New("upstream timeout"),
	}

	runOne(t, api)

	// The close-out step is best effort; the transition continues.
	assert.Equal(t, 1, api.deleteCalls)
	assert.Equal(t, 1, api.createCalls)
}

func TestAgentAbortsWhenDeleteFails(t *testing.T) {
	api := &fakeRoster{
		enrollment: enrolledIn("class-g2"),
		class:      classFor("class-g3"),
		deleteErr:  errors.New("conflict"),
	}

	runOne(t, api)

	// The old enrollment might still be live, so no replacement is
	// created.
	assert.Equal(t, 1, api.deleteCalls)
	assert.Zero(t, api.createCalls)
}

func TestAgentAbortsWhenNoClassServesGrade(t *testing.T) {
	api := &fakeRoster{enrollment: enrolledIn("class-g2"), class: nil}

	runOne(t, api)

	assert.Zero(t, api.endCalls)
	assert.Zero(t, api.deleteCalls)
	assert.Zero(t, api.createCalls)
}

func TestAgentEnqueueNeverBlocks(t *testing.T) {
	config := DefaultConfig()
	config.QueueSize = 2
	a := NewAgent(config, &fakeRoster{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			a.Enqueue(Request{LearnerID: "learner-1", Target: progression.Grade(1)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("enqueue blocked on a full backlog")
	}
}

func TestAgentRunProcessesQueue(t *testing.T) {
	api := &fakeRoster{enrollment: enrolledIn("class-g2"), class: classFor("class-g3")}
	a := NewAgent(DefaultConfig(), api)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Enqueue(Request{LearnerID: "learner-1", Target: progression.Grade(3)})

	assert.Eventually(t, func() bool {
		return api.created() == 1
	}, 5*time.Second, 10*time.Millisecond)
}
