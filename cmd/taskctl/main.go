package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"task-controller/internal/messaging"
	"task-controller/pkg/api"
	"task-controller/pkg/models"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
)

const usage = `usage: taskctl <command> [flags]

environment:
  CONTROLLER_URL  controller address (default http://localhost:8002)
  RECORDER_URL    recorder address; when set, submitted tasks are registered
                  there and -wait follows the recorded status

commands:
  submit     submit a task request read from a json file
  status     show the status of a task
  terminate  ask a running task to stop
  gpus       show free and locked gpus`

type client struct {
	http *resty.Client
}

func newClient(baseURL string) *client {
	return &client{http: resty.New().SetBaseURL(baseURL).SetTimeout(time.Minute)}
}

func (c *client) do(method, path string, body, out any) error {
	req := c.http.R()
	if body != nil {
		req.SetBody(body)
	}
	res, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("error calling %s %s: %w", method, path, err)
	}
	if res.IsError() {
		return fmt.Errorf("%s %s returned %d: %s", method, path, res.StatusCode(), res.String())
	}
	if out != nil {
		if err := json.Unmarshal(res.Body(), out); err != nil {
			return fmt.Errorf("error parsing response from %s: %w", path, err)
		}
	}
	return nil
}

func printJson(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("error formatting output: %v", err)
	}
	fmt.Println(string(data))
}

func readRequest(path string) models.TaskRequest {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("error reading request file: %v", err)
	}
	var req models.TaskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Fatalf("error parsing request file: %v", err)
	}
	return req
}

type progress struct {
	percent float64
	state   models.TaskState
}

// poll returns the progress of a task as the controller or the recorder
// currently reports it.
type poll func(taskId string) (progress, error)

func (c *client) controllerPoll(taskId string) (progress, error) {
	var status api.TaskStatus
	if err := c.do("GET", "/tasks/"+taskId, nil, &status); err != nil {
		return progress{}, err
	}
	return progress{percent: status.Record.Percent, state: status.Record.State}, nil
}

func (c *client) recorderPoll(taskId string) (progress, error) {
	var task api.RecordedTask
	if err := c.do("GET", "/api/v1/tasks/"+taskId, nil, &task); err != nil {
		return progress{}, err
	}
	return progress{percent: task.Percent, state: task.State}, nil
}

func follow(taskId string, next poll, interval time.Duration) progress {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription(taskId),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
	)
	defer bar.Close()

	for {
		p, err := next(taskId)
		if err != nil {
			log.Fatalf("%v", err)
		}
		_ = bar.Set(int(p.percent * 100))
		if p.state.IsTerminal() {
			return p
		}
		time.Sleep(interval)
	}
}

func submit(args []string, controller, recorder string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	file := fs.String("f", "", "json file with the task request")
	sync := fs.Bool("sync", false, "run the task inside the request")
	wait := fs.Bool("wait", false, "poll the task until it finishes")
	queue := fs.String("queue", "", "rabbitmq url; publish the request instead of calling the controller")
	queueName := fs.String("queue-name", messaging.DefaultTaskQueue, "rabbitmq queue to publish to")
	_ = fs.Parse(args)

	if *file == "" {
		log.Fatalf("-f is required")
	}
	req := readRequest(*file)
	req.Sync = *sync
	if req.TaskId == "" {
		req.TaskId = uuid.NewString()
	}

	var rec *client
	if recorder != "" {
		rec = newClient(recorder)
		register := api.RegisterTaskRequest{TaskHash: req.TaskId, UserId: req.UserId, RepoId: req.RepoId, TaskType: req.TaskType}
		if err := rec.do("POST", "/api/v1/tasks", register, nil); err != nil {
			log.Fatalf("error registering task with recorder: %v", err)
		}
	}

	if *queue != "" {
		publisher, err := messaging.NewRabbitMQPublisher(*queue, *queueName)
		if err != nil {
			log.Fatalf("error connecting to rabbitmq: %v", err)
		}
		defer publisher.Close()

		if err := publisher.PublishTask(context.Background(), req); err != nil {
			log.Fatalf("error publishing task: %v", err)
		}
		log.Printf("published task %s to queue %s", req.TaskId, *queueName)
		if *wait && rec != nil {
			p := follow(req.TaskId, rec.recorderPoll, 2*time.Second)
			fmt.Printf("task %s finished with state %s\n", req.TaskId, p.state)
		}
		return
	}

	c := newClient(controller)
	var res api.TaskResponse
	// Rejections carry a TaskResponse body too.
	if _, err := c.http.R().SetBody(req).SetResult(&res).SetError(&res).Post("/tasks"); err != nil {
		log.Fatalf("error submitting task: %v", err)
	}
	printJson(res)

	if *wait && res.Code == models.CodeOK && !req.Sync {
		next := c.controllerPoll
		if rec != nil {
			next = rec.recorderPoll
		}
		p := follow(req.TaskId, next, 2*time.Second)
		fmt.Printf("task %s finished with state %s\n", req.TaskId, p.state)
	}
}

func main() {
	controller := os.Getenv("CONTROLLER_URL")
	if controller == "" {
		controller = "http://localhost:8002"
	}
	// Tasks are registered with the recorder and followed there when set.
	recorder := os.Getenv("RECORDER_URL")

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(2)
	}

	command, args := os.Args[1], os.Args[2:]
	c := newClient(controller)

	switch command {
	case "submit":
		submit(args, controller, recorder)
	case "status":
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		wait := fs.Bool("wait", false, "poll the task until it finishes")
		_ = fs.Parse(args)
		if fs.NArg() != 1 {
			log.Fatalf("usage: taskctl status [-wait] <task_id>")
		}
		if *wait {
			p := follow(fs.Arg(0), c.controllerPoll, 2*time.Second)
			fmt.Printf("task %s finished with state %s\n", fs.Arg(0), p.state)
			return
		}
		var status api.TaskStatus
		if err := c.do("GET", "/tasks/"+fs.Arg(0), nil, &status); err != nil {
			log.Fatalf("%v", err)
		}
		printJson(status)
	case "terminate":
		if len(args) != 1 {
			log.Fatalf("usage: taskctl terminate <task_id>")
		}
		var res api.TerminateResponse
		if err := c.do("POST", "/tasks/"+args[0]+"/terminate", nil, &res); err != nil {
			log.Fatalf("%v", err)
		}
		printJson(res)
	case "gpus":
		var res api.GPUStatus
		if err := c.do("GET", "/gpus", nil, &res); err != nil {
			log.Fatalf("%v", err)
		}
		printJson(res)
	default:
		fmt.Println(usage)
		os.Exit(2)
	}
}
