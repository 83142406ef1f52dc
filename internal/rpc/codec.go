package rpc

import (
	"github.com/ipld/go-ipld-prime"

	ipvmipld "github.com/swarmguard/ipvm/internal/ipld"
)

func encodeStopRequest(r StopRequest) ([]byte, error) {
	n, err := ipvmipld.Build(func(ma ipld.MapAssembler) error {
		if err := ma.AssembleKey().AssignString("workflow_cid"); err != nil {
			return err
		}
		return ma.AssembleValue().AssignLink(ipvmipld.Link(r.WorkflowCID))
	})
	if err != nil {
		return nil, err
	}
	data, _, err := ipvmipld.Marshal(n)
	return data, err
}

func decodeStopRequest(data []byte) (StopRequest, error) {
	n, err := ipvmipld.Unmarshal(data)
	if err != nil {
		return StopRequest{}, err
	}
	c, err := ipvmipld.AsLinkField(n, "workflow_cid")
	if err != nil {
		return StopRequest{}, err
	}
	return StopRequest{WorkflowCID: c}, nil
}

func encodeRunRequest(r RunRequest) ([]byte, error) {
	n, err := ipvmipld.Build(func(ma ipld.MapAssembler) error {
		if err := ma.AssembleKey().AssignString("name"); err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignString(r.Name); err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("workflow"); err != nil {
			return err
		}
		return ma.AssembleValue().AssignBytes(r.Workflow)
	})
	if err != nil {
		return nil, err
	}
	data, _, err := ipvmipld.Marshal(n)
	return data, err
}

func decodeRunRequest(data []byte) (RunRequest, error) {
	n, err := ipvmipld.Unmarshal(data)
	if err != nil {
		return RunRequest{}, err
	}
	name, err := ipvmipld.AsStringField(n, "name")
	if err != nil {
		return RunRequest{}, err
	}
	wfBytes, err := ipvmipld.AsBytesField(n, "workflow")
	if err != nil {
		return RunRequest{}, err
	}
	return RunRequest{Name: name, Workflow: wfBytes}, nil
}

func encodeRunResponse(r RunResponse) ([]byte, error) {
	n, err := ipvmipld.Build(func(ma ipld.MapAssembler) error {
		if err := ma.AssembleKey().AssignString("workflow_cid"); err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignLink(ipvmipld.Link(r.WorkflowCID)); err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("already_ran"); err != nil {
			return err
		}
		return ma.AssembleValue().AssignBool(r.AlreadyRan)
	})
	if err != nil {
		return nil, err
	}
	data, _, err := ipvmipld.Marshal(n)
	return data, err
}

func decodeRunResponse(data []byte) (RunResponse, error) {
	n, err := ipvmipld.Unmarshal(data)
	if err != nil {
		return RunResponse{}, err
	}
	c, err := ipvmipld.AsLinkField(n, "workflow_cid")
	if err != nil {
		return RunResponse{}, err
	}
	alreadyRan, err := n.LookupByString("already_ran")
	if err != nil {
		return RunResponse{}, err
	}
	b, err := alreadyRan.AsBool()
	if err != nil {
		return RunResponse{}, err
	}
	return RunResponse{WorkflowCID: c, AlreadyRan: b}, nil
}
