package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Endpoints names the base URLs of the four control-plane APIs.
type Endpoints struct {
	Registry  string `yaml:"registry"`
	Instances string `yaml:"instances"`
	Hosts     string `yaml:"hosts"`
	Images    string `yaml:"images"`
}

// NewHTTPClients builds the client bundle over the given endpoints.
// Transient HTTP failures retry with backoff; API-level errors come back
// wrapped with their origin subsystem.
func NewHTTPClients(eps Endpoints) (Clients, error) {
	for name, ep := range map[string]string{
		"registry": eps.Registry, "instances": eps.Instances,
		"hosts": eps.Hosts, "images": eps.Images,
	} {
		if ep == "" {
			return Clients{}, fmt.Errorf("missing %s endpoint", name)
		}
		if _, err := url.Parse(ep); err != nil {
			return Clients{}, fmt.Errorf("bad %s endpoint %q: %w", name, ep, err)
		}
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 8 * time.Second
	rc.Logger = nil
	httpc := rc.StandardClient()

	return Clients{
		Registry:  &registryClient{base: eps.Registry, http: httpc},
		Instances: &instanceClient{base: eps.Instances, http: httpc},
		Hosts:     &hostClient{base: eps.Hosts, http: httpc},
		Images:    &imageClient{base: eps.Images, http: httpc},
	}, nil
}

// doJSON issues a request and decodes a JSON body into out (out may be
// nil). Non-2xx statuses become errors carrying the response body.
func doJSON(ctx context.Context, httpc *http.Client, method, u string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, u, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type registryClient struct {
	base string
	http *http.Client
}

func (c *registryClient) ListServices(ctx context.Context) ([]Service, error) {
	var out []Service
	err := doJSON(ctx, c.http, http.MethodGet, c.base+"/services", nil, &out)
	return out, WrapClientError(SubsystemRegistry, "list-services", err)
}

func (c *registryClient) GetService(ctx context.Context, name string) (*Service, error) {
	var out Service
	err := doJSON(ctx, c.http, http.MethodGet, c.base+"/services/"+url.PathEscape(name), nil, &out)
	if err != nil {
		return nil, WrapClientError(SubsystemRegistry, "get-service", err)
	}
	return &out, nil
}

func (c *registryClient) UpdateService(ctx context.Context, svc *Service) error {
	err := doJSON(ctx, c.http, http.MethodPut, c.base+"/services/"+url.PathEscape(svc.ID), svc, nil)
	return WrapClientError(SubsystemRegistry, "update-service", err)
}

func (c *registryClient) ListInstances(ctx context.Context, service string) ([]Instance, error) {
	var out []Instance
	u := c.base + "/services/" + url.PathEscape(service) + "/instances"
	err := doJSON(ctx, c.http, http.MethodGet, u, nil, &out)
	return out, WrapClientError(SubsystemRegistry, "list-instances", err)
}

func (c *registryClient) UpdateInstance(ctx context.Context, inst *Instance) error {
	err := doJSON(ctx, c.http, http.MethodPut, c.base+"/instances/"+url.PathEscape(inst.ID), inst, nil)
	return WrapClientError(SubsystemRegistry, "update-instance", err)
}

func (c *registryClient) CreateInstance(ctx context.Context, service string, inst *Instance) (*Instance, error) {
	var out Instance
	u := c.base + "/services/" + url.PathEscape(service) + "/instances"
	err := doJSON(ctx, c.http, http.MethodPost, u, inst, &out)
	if err != nil {
		return nil, WrapClientError(SubsystemRegistry, "create-instance", err)
	}
	return &out, nil
}

func (c *registryClient) DeleteInstance(ctx context.Context, instanceID string) error {
	err := doJSON(ctx, c.http, http.MethodDelete, c.base+"/instances/"+url.PathEscape(instanceID), nil, nil)
	return WrapClientError(SubsystemRegistry, "delete-instance", err)
}

type instanceClient struct {
	base string
	http *http.Client
}

func (c *instanceClient) ListInstances(ctx context.Context, filter InstanceFilter) ([]Instance, error) {
	q := url.Values{}
	if filter.Service != "" {
		q.Set("service", filter.Service)
	}
	if filter.State != "" {
		q.Set("state", filter.State)
	}
	if filter.Tag != "" {
		q.Set("tag", filter.Tag)
	}
	u := c.base + "/instances"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var out []Instance
	err := doJSON(ctx, c.http, http.MethodGet, u, nil, &out)
	return out, WrapClientError(SubsystemInstances, "list-instances", err)
}

type hostClient struct {
	base string
	http *http.Client
}

func (c *hostClient) ListHosts(ctx context.Context) ([]Host, error) {
	var out []Host
	err := doJSON(ctx, c.http, http.MethodGet, c.base+"/hosts", nil, &out)
	return out, WrapClientError(SubsystemHosts, "list-hosts", err)
}

func (c *hostClient) InstallAgent(ctx context.Context, hostID, imageID string) (*Task, error) {
	var out Task
	u := c.base + "/hosts/" + url.PathEscape(hostID) + "/agents"
	err := doJSON(ctx, c.http, http.MethodPost, u, map[string]string{"image": imageID}, &out)
	if err != nil {
		return nil, WrapClientError(SubsystemHosts, "install-agent", err)
	}
	return &out, nil
}

func (c *hostClient) UninstallAgent(ctx context.Context, hostID, service string) (*Task, error) {
	var out Task
	u := c.base + "/hosts/" + url.PathEscape(hostID) + "/agents/" + url.PathEscape(service)
	err := doJSON(ctx, c.http, http.MethodDelete, u, nil, &out)
	if err != nil {
		return nil, WrapClientError(SubsystemHosts, "uninstall-agent", err)
	}
	return &out, nil
}

func (c *hostClient) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var out Task
	err := doJSON(ctx, c.http, http.MethodGet, c.base+"/tasks/"+url.PathEscape(taskID), nil, &out)
	if err != nil {
		return nil, WrapClientError(SubsystemHosts, "get-task", err)
	}
	return &out, nil
}

type imageClient struct {
	base string
	http *http.Client
}

func (c *imageClient) GetImage(ctx context.Context, imageID string) (*Image, error) {
	var out Image
	err := doJSON(ctx, c.http, http.MethodGet, c.base+"/images/"+url.PathEscape(imageID), nil, &out)
	if err != nil {
		return nil, WrapClientError(SubsystemImageRegistry, "get-image", err)
	}
	return &out, nil
}

func (c *imageClient) GetImageFile(ctx context.Context, imageID, destPath string) error {
	u := c.base + "/images/" + url.PathEscape(imageID) + "/file"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return WrapClientError(SubsystemImageRegistry, "get-image-file", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return WrapClientError(SubsystemImageRegistry, "get-image-file", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return WrapClientError(SubsystemImageRegistry, "get-image-file",
			fmt.Errorf("GET %s: %s", u, resp.Status))
	}

	tmp := destPath + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return WrapClientError(SubsystemImageRegistry, "get-image-file", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return WrapClientError(SubsystemImageRegistry, "get-image-file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return WrapClientError(SubsystemImageRegistry, "get-image-file", err)
	}
	return WrapClientError(SubsystemImageRegistry, "get-image-file", os.Rename(tmp, destPath))
}
