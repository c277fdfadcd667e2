package evm

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
)

// registryABI is the interface of the deployed AidRegistry contract.
const registryABI = `[
  {"type":"function","name":"addAidRecord","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"recipient","type":"string"},
    {"name":"description","type":"string"},
    {"name":"amount","type":"uint256"}]},
  {"type":"function","name":"updateAidStatus","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"recordId","type":"uint256"},
    {"name":"status","type":"string"}]},
  {"type":"function","name":"recordDonation","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"donor","type":"string"},
    {"name":"amount","type":"uint256"},
    {"name":"purpose","type":"string"}]},
  {"type":"function","name":"assignTask","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"taskId","type":"uint256"},
    {"name":"worker","type":"address"},
    {"name":"description","type":"string"}]},
  {"type":"function","name":"completeTask","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"taskId","type":"uint256"}]},
  {"type":"event","name":"AidRecordAdded","anonymous":false,"inputs":[
    {"name":"recordId","type":"uint256","indexed":true},
    {"name":"recipient","type":"string","indexed":false},
    {"name":"description","type":"string","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"addedBy","type":"address","indexed":true}]},
  {"type":"event","name":"AidStatusUpdated","anonymous":false,"inputs":[
    {"name":"recordId","type":"uint256","indexed":true},
    {"name":"status","type":"string","indexed":false},
    {"name":"updatedBy","type":"address","indexed":true}]},
  {"type":"event","name":"DonationReceived","anonymous":false,"inputs":[
    {"name":"sender","type":"address","indexed":true},
    {"name":"donor","type":"string","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"purpose","type":"string","indexed":false}]},
  {"type":"event","name":"TaskAssigned","anonymous":false,"inputs":[
    {"name":"taskId","type":"uint256","indexed":true},
    {"name":"worker","type":"address","indexed":true},
    {"name":"description","type":"string","indexed":false}]},
  {"type":"event","name":"TaskCompleted","anonymous":false,"inputs":[
    {"name":"taskId","type":"uint256","indexed":true},
    {"name":"worker","type":"address","indexed":true}]}
]`

// binding ties a record kind to the contract method that submits it and
// the event the contract emits for it.
type binding struct {
	method string
	event  string
}

var bindings = map[record.Kind]binding{
	record.KindRecordAdded:         {method: "addAidRecord", event: "AidRecordAdded"},
	record.KindRecordStatusChanged: {method: "updateAidStatus", event: "AidStatusUpdated"},
	record.KindDonationReceived:    {method: "recordDonation", event: "DonationReceived"},
	record.KindTaskAssigned:        {method: "assignTask", event: "TaskAssigned"},
	record.KindTaskCompleted:       {method: "completeTask", event: "TaskCompleted"},
}

// LoadABI parses the registry ABI from path, or the built-in definition
// when path is empty, and checks that every kind is bound.
func LoadABI(path string) (*abi.ABI, error) {
	data := []byte(registryABI)
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read abi %s: %w", path, err)
		}
		data = raw
	}
	a, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	var missing []string
	for kind, b := range bindings {
		if _, ok := a.Methods[b.method]; !ok {
			missing = append(missing, fmt.Sprintf("%s method %s", kind, b.method))
		}
		if _, ok := a.Events[b.event]; !ok {
			missing = append(missing, fmt.Sprintf("%s event %s", kind, b.event))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("abi is missing %s", strings.Join(missing, ", "))
	}
	return &a, nil
}
